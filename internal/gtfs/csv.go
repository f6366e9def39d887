package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// csvStream decodes one CSV table from the zip record by record, so large
// tables (shapes, stops) never sit in memory whole.
type csvStream struct {
	rc       io.ReadCloser
	reader   *csv.Reader
	fieldMap []fieldMapping
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// openCSVStream opens a zip entry for streaming into values of type T.
func openCSVStream[T any](f *zip.File) (*csvStream, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}

	reader := csv.NewReader(rc)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("read %s header: %w", f.Name, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}

	return &csvStream{
		rc:       rc,
		reader:   reader,
		fieldMap: buildFieldMap[T](header),
	}, nil
}

// next reads the next record into out (a *T). Returns io.EOF when done.
func (s *csvStream) next(out any) error {
	record, err := s.reader.Read()
	if err != nil {
		return err
	}
	v := reflect.ValueOf(out).Elem()
	for _, fm := range s.fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(record[fm.csvIndex])
		}
	}
	return nil
}

func (s *csvStream) close() error {
	return s.rc.Close()
}

// buildFieldMap maps CSV column positions to struct field positions via csv
// tags.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("csv"); tag != "" {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		if fieldIdx, ok := tagToField[strings.TrimSpace(colName)]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}

// DecodeCSV streams rows of type T from an arbitrary reader, invoking fn for
// each row. fn returning false stops early. Used for the stop registry, which
// shares the bundle's CSV dialect but arrives outside a zip.
func DecodeCSV[T any](r io.Reader, fn func(T) bool) error {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}
	fieldMap := buildFieldMap[T](header)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		var row T
		v := reflect.ValueOf(&row).Elem()
		for _, fm := range fieldMap {
			if fm.csvIndex < len(record) {
				v.Field(fm.fieldIndex).SetString(record[fm.csvIndex])
			}
		}
		if !fn(row) {
			return nil
		}
	}
}
