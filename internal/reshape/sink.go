package reshape

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/objstore"
)

// Sink receives the silver rows of one raw object.
type Sink interface {
	// Write stores rows and returns how many were written.
	Write(ctx context.Context, ref model.RawObjectRef, rows []model.SilverRow) (int64, error)
	// Kind names the sink for logs and metrics.
	Kind() string
}

// SilverUpserter is the warehouse operation the table sink needs.
type SilverUpserter interface {
	UpsertSilver(ctx context.Context, rows []model.SilverRow) (int64, error)
}

// TableSink merges rows into the silver table.
type TableSink struct {
	wh SilverUpserter
}

// NewTableSink creates a sink backed by wh.
func NewTableSink(wh SilverUpserter) *TableSink {
	return &TableSink{wh: wh}
}

// Write implements Sink.
func (s *TableSink) Write(ctx context.Context, _ model.RawObjectRef, rows []model.SilverRow) (int64, error) {
	n, err := s.wh.UpsertSilver(ctx, rows)
	if err != nil {
		return 0, eris.Wrap(err, "reshape: table sink")
	}
	return n, nil
}

// Kind implements Sink.
func (s *TableSink) Kind() string { return "table" }

// File formats supported by FileSink.
const (
	FormatJSON    = "json"
	FormatParquet = "parquet"
)

// FileSink writes one silver object per raw object, overwriting any earlier
// output for the same raw object.
type FileSink struct {
	store  objstore.Store
	format string
}

// NewFileSink creates a file sink. format is FormatJSON or FormatParquet.
func NewFileSink(st objstore.Store, format string) (*FileSink, error) {
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatParquet:
	default:
		return nil, eris.Errorf("reshape: unknown silver format %q", format)
	}
	return &FileSink{store: st, format: format}, nil
}

// Write implements Sink.
func (s *FileSink) Write(ctx context.Context, ref model.RawObjectRef, rows []model.SilverRow) (int64, error) {
	key := SilverKey(ref, s.format)

	var (
		data        []byte
		contentType string
	)
	switch s.format {
	case FormatParquet:
		var buf bytes.Buffer
		if err := parquet.Write(&buf, rows); err != nil {
			return 0, eris.Wrapf(err, "reshape: encode parquet %s", key)
		}
		data, contentType = buf.Bytes(), "application/vnd.apache.parquet"
	default:
		b, err := json.Marshal(rows)
		if err != nil {
			return 0, eris.Wrapf(err, "reshape: encode json %s", key)
		}
		data, contentType = b, "application/json"
	}

	if err := s.store.Put(ctx, key, data, objstore.PutOptions{Overwrite: true, ContentType: contentType}); err != nil {
		return 0, eris.Wrap(err, "reshape: file sink")
	}
	return int64(len(rows)), nil
}

// Kind implements Sink.
func (s *FileSink) Kind() string { return "file" }

// SilverKey maps a raw object to its silver file:
// silver/<source>/YYYY/MM/DD/<raw file name>. The date folders are taken
// from the bronze key so the same raw object always maps to the same file.
// Keys that do not follow the bronze layout fall back to the object's
// creation date.
func SilverKey(ref model.RawObjectRef, format string) string {
	source := ref.Source
	name := path.Base(ref.Key)
	parts := strings.Split(ref.Key, "/")

	var date string
	if len(parts) == 7 && parts[0] == "bronze" {
		if source == "" {
			source = parts[1]
		}
		date = path.Join(parts[2], parts[3], parts[4])
	} else {
		created := ref.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		date = created.UTC().Format("2006/01/02")
	}
	if source == "" {
		source = "unknown"
	}

	if format == FormatParquet {
		name = strings.TrimSuffix(name, path.Ext(name)) + ".parquet"
	}
	return path.Join("silver", source, date, name)
}
