package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"mousecolony/internal/blob"
	"mousecolony/pkg/domain"
)

// ExportColumns is the header row of the animal register export.
var ExportColumns = []string{
	"identifier", "strain", "sequence_number", "sex", "date_of_birth",
	"mother_id", "father_id", "earmark", "culled_date", "project_id", "stock_cage",
}

// ExportKey names an export artifact after the time it was taken.
func ExportKey(at time.Time) string {
	return "exports/colony-" + at.UTC().Format("20060102T150405Z") + ".csv"
}

// ExportColony writes the animals matching filter as CSV to store under key.
// The rows come from one committed snapshot.
func (s *Service) ExportColony(ctx context.Context, store blob.Store, key string, filter AnimalFilter) (blob.Info, error) {
	if store == nil {
		return blob.Info{}, domain.ValidationError{Field: "store", Message: "blob store is required"}
	}
	if key == "" {
		key = ExportKey(s.opts.clock.Now())
	}
	var buf bytes.Buffer
	var rows int
	err := s.read(ctx, "export_colony", func(v TransactionView) error {
		animals, err := v.ListAnimals(filter)
		if err != nil {
			return err
		}
		rows = len(animals)
		return WriteAnimalsCSV(&buf, animals)
	})
	if err != nil {
		return blob.Info{}, err
	}
	info, err := store.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"rows": strconv.Itoa(rows)},
	})
	if err != nil {
		s.opts.logger.Error("export upload failed", "key", key, "driver", store.Driver(), "error", err)
		return blob.Info{}, fmt.Errorf("upload export %s: %w", key, err)
	}
	s.opts.logger.Info("colony exported", "key", info.Key, "rows", rows, "bytes", info.Size, "driver", store.Driver())
	return info, nil
}

// WriteAnimalsCSV renders animals in register order with a header row.
func WriteAnimalsCSV(out io.Writer, animals []Animal) error {
	w := csv.NewWriter(out)
	if err := w.Write(ExportColumns); err != nil {
		return err
	}
	for _, a := range animals {
		record := []string{
			a.Identifier,
			a.Strain,
			strconv.Itoa(a.SequenceNumber),
			string(a.Sex),
			a.DateOfBirth.Format(domain.DateLayout),
			deref(a.MotherID),
			deref(a.FatherID),
			"",
			"",
			deref(a.ProjectID),
			a.StockCage,
		}
		if a.Earmark != nil {
			record[7] = string(*a.Earmark)
		}
		if a.CulledDate != nil {
			record[8] = a.CulledDate.Format(domain.DateLayout)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
