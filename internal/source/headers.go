package source

import (
	"net/http"
	"strings"
)

// Several payers front their files with CloudFront configurations that
// reject non-browser clients.
var browserHeaders = map[string]string{
	"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":             "application/json, application/octet-stream, */*",
	"Accept-Language":    "en-US,en;q=0.9",
	"Accept-Encoding":    "gzip, deflate, br, zstd",
	"Sec-Ch-Ua":          `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"Windows"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
	"Cache-Control":      "no-cache",
	"Pragma":             "no-cache",
}

// Hosts that additionally require Origin and Referer.
var originHosts = []string{"d25kgz5rikkq4n.cloudfront.net"}

func setBrowserHeaders(req *http.Request) {
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	for _, host := range originHosts {
		if strings.EqualFold(req.URL.Hostname(), host) {
			origin := "https://" + host
			req.Header.Set("Origin", origin)
			req.Header.Set("Referer", origin+"/")
		}
	}
}
