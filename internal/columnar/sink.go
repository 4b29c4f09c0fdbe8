package columnar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"sparkify/internal/mapping"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

// NullPartition is the directory value used for a null partition column.
const NullPartition = "__NULL__"

// Partition is the rows of one output directory, relative to the table root
// ("year=2018/month=11", or "" for an unpartitioned table).
type Partition struct {
	Dir  string
	Rows []mapping.Row
}

// Sink stores the parquet files of a table.
type Sink interface {
	// WriteTable replaces the table's output with one file per partition and
	// returns the locations written.
	WriteTable(ctx context.Context, spec storage.TableSpec, parts []Partition) ([]string, error)
}

// NewSink returns an S3Sink for s3://bucket/prefix outputs and a LocalSink
// otherwise.
func NewSink(output, region string) (Sink, error) {
	if strings.TrimSpace(output) == "" {
		return nil, fmt.Errorf("columnar: empty output")
	}
	if !strings.HasPrefix(output, "s3://") {
		return LocalSink{Root: output}, nil
	}
	bucket, prefix, err := source.ParseS3URL(output)
	if err != nil {
		return nil, err
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("columnar: aws session: %w", err)
	}
	return &S3Sink{Bucket: bucket, Prefix: prefix, up: s3manager.NewUploader(sess)}, nil
}

func partFile(i int) string { return fmt.Sprintf("part-%05d.parquet", i) }

// LocalSink writes under a local directory.
type LocalSink struct {
	Root string
}

func (s LocalSink) WriteTable(ctx context.Context, spec storage.TableSpec, parts []Partition) ([]string, error) {
	dir := filepath.Join(s.Root, spec.Name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("columnar: clear %s: %w", dir, err)
	}
	var out []string
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		target := filepath.Join(dir, filepath.FromSlash(p.Dir), partFile(0))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return out, err
		}
		if err := writeParquet(target, spec, p.Rows); err != nil {
			return out, err
		}
		out = append(out, target)
	}
	return out, nil
}

type uploader interface {
	UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// S3Sink writes each file to a temporary directory and uploads it.
type S3Sink struct {
	Bucket string
	Prefix string
	up     uploader
}

// TODO: delete objects of partitions that a rerun no longer produces.
func (s *S3Sink) WriteTable(ctx context.Context, spec storage.TableSpec, parts []Partition) ([]string, error) {
	tmp, err := os.MkdirTemp("", "sparkify-"+spec.Name+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	var out []string
	for i, p := range parts {
		file := filepath.Join(tmp, strconv.Itoa(i)+".parquet")
		if err := writeParquet(file, spec, p.Rows); err != nil {
			return out, err
		}
		key := path.Join(s.Prefix, spec.Name, p.Dir, partFile(0))
		if err := s.upload(ctx, file, key); err != nil {
			return out, err
		}
		out = append(out, "s3://"+s.Bucket+"/"+key)
	}
	return out, nil
}

func (s *S3Sink) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("columnar: upload s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

// partitionRows groups rows by n.PartitionBy into Hive-style directories,
// sorted by directory. Rows keep their order within a directory.
func partitionRows(n Node, rows []mapping.Row) []Partition {
	if len(rows) == 0 {
		return nil
	}
	if len(n.PartitionBy) == 0 {
		return []Partition{{Rows: rows}}
	}
	byDir := map[string][]mapping.Row{}
	for _, row := range rows {
		segs := make([]string, len(n.PartitionBy))
		for i, col := range n.PartitionBy {
			segs[i] = col + "=" + partitionValue(partitionSource(n, row, col))
		}
		dir := strings.Join(segs, "/")
		byDir[dir] = append(byDir[dir], row)
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	out := make([]Partition, len(dirs))
	for i, d := range dirs {
		out[i] = Partition{Dir: d, Rows: byDir[d]}
	}
	return out
}

func partitionSource(n Node, row mapping.Row, col string) any {
	if v, ok := row[col]; ok || n.PartitionTime == "" {
		return v
	}
	ts, ok := row[n.PartitionTime].(time.Time)
	if !ok {
		return nil
	}
	switch col {
	case "year":
		return int64(ts.UTC().Year())
	case "month":
		return int64(ts.UTC().Month())
	}
	return nil
}

func partitionValue(v any) string {
	switch t := v.(type) {
	case nil:
		return NullPartition
	case string:
		if t == "" {
			return NullPartition
		}
		return url.PathEscape(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return url.PathEscape(fmt.Sprint(t))
	}
}

// schemaItem mirrors the JSON schema accepted by writer.NewJSONWriter.
type schemaItem struct {
	Tag    string
	Fields []schemaItem `json:",omitempty"`
}

// parquetSchema renders spec as a parquet-go JSON schema. Timestamps are
// stored as TIMESTAMP_MILLIS.
func parquetSchema(spec storage.TableSpec) (string, error) {
	root := schemaItem{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	for _, c := range spec.Columns {
		var typ string
		switch c.Type {
		case storage.TypeText:
			typ = "type=BYTE_ARRAY, convertedtype=UTF8"
		case storage.TypeInt:
			typ = "type=INT32"
		case storage.TypeBigint, storage.TypeSerial:
			typ = "type=INT64"
		case storage.TypeDouble:
			typ = "type=DOUBLE"
		case storage.TypeTimestamp:
			typ = "type=INT64, convertedtype=TIMESTAMP_MILLIS"
		default:
			return "", fmt.Errorf("columnar: %s.%s: no parquet type for %s", spec.Name, c.Name, c.Type)
		}
		rep := "REQUIRED"
		if c.Nullable {
			rep = "OPTIONAL"
		}
		root.Fields = append(root.Fields, schemaItem{Tag: fmt.Sprintf("name=%s, %s, repetitiontype=%s", c.Name, typ, rep)})
	}
	b, err := json.Marshal(root)
	return string(b), err
}

// jsonRow encodes the spec columns of row for the JSON writer. Integers and
// timestamps are written as decimal strings so that 64-bit ids keep their
// precision.
func jsonRow(spec storage.TableSpec, row mapping.Row) ([]byte, error) {
	obj := make(map[string]any, len(spec.Columns))
	for _, c := range spec.Columns {
		v := row[c.Name]
		switch t := v.(type) {
		case nil:
			if !c.Nullable {
				return nil, fmt.Errorf("columnar: %s.%s is null", spec.Name, c.Name)
			}
			obj[c.Name] = nil
		case time.Time:
			obj[c.Name] = strconv.FormatInt(t.UnixMilli(), 10)
		case int64:
			obj[c.Name] = strconv.FormatInt(t, 10)
		default:
			obj[c.Name] = t
		}
	}
	return json.Marshal(obj)
}

// writeParquet writes rows to a Snappy-compressed parquet file at target.
func writeParquet(target string, spec storage.TableSpec, rows []mapping.Row) error {
	sch, err := parquetSchema(spec)
	if err != nil {
		return err
	}
	fw, err := local.NewLocalFileWriter(target)
	if err != nil {
		return fmt.Errorf("columnar: create %s: %w", target, err)
	}
	pw, err := writer.NewJSONWriter(sch, fw, 4)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("columnar: parquet writer for %s: %w", spec.Name, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		b, err := jsonRow(spec, row)
		if err != nil {
			_ = fw.Close()
			return err
		}
		if err := pw.Write(string(b)); err != nil {
			_ = fw.Close()
			return fmt.Errorf("columnar: write %s: %w", target, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("columnar: finish %s: %w", target, err)
	}
	return fw.Close()
}
