package payer

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// MRFFileParquet is the parquet row for a listed file.
type MRFFileParquet struct {
	Payer                string `parquet:"payer"`
	URL                  string `parquet:"url"`
	Type                 string `parquet:"type"`
	PlanName             string `parquet:"plan_name"`
	PlanID               string `parquet:"plan_id,optional"`
	PlanMarketType       string `parquet:"plan_market_type,optional"`
	Description          string `parquet:"description"`
	ProviderReferenceURL string `parquet:"provider_reference_url,optional"`
	StructureIndex       int32  `parquet:"reporting_structure_index"`
	FileIndex            int32  `parquet:"file_index"`
}

const listingFlushInterval = 100_000

// ListingWriter writes a TOC listing to a parquet file.
type ListingWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[MRFFileParquet]
	payer  string
	count  int
}

// NewListingWriter creates filename and writes rows tagged with payer.
func NewListingWriter(filename, payer string) (*ListingWriter, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[MRFFileParquet](file,
		parquet.Compression(&parquet.Snappy),
	)

	return &ListingWriter{
		file:   file,
		writer: writer,
		payer:  payer,
	}, nil
}

// Write appends one listed file.
func (lw *ListingWriter) Write(f MRFFile) error {
	row := MRFFileParquet{
		Payer:                lw.payer,
		URL:                  f.URL,
		Type:                 f.Type,
		PlanName:             f.PlanName,
		PlanID:               f.PlanID,
		PlanMarketType:       f.PlanMarketType,
		Description:          f.Description,
		ProviderReferenceURL: f.ProviderReferenceURL,
		StructureIndex:       int32(f.StructureIndex),
		FileIndex:            int32(f.FileIndex),
	}
	if _, err := lw.writer.Write([]MRFFileParquet{row}); err != nil {
		return fmt.Errorf("failed to write parquet record: %w", err)
	}
	lw.count++

	if lw.count%listingFlushInterval == 0 {
		if err := lw.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush parquet row group: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file.
func (lw *ListingWriter) Close() error {
	if err := lw.writer.Close(); err != nil {
		lw.file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return lw.file.Close()
}

// Count returns the number of rows written.
func (lw *ListingWriter) Count() int { return lw.count }
