package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

const (
	maxBodyBytes   = 1 << 20
	maxColumns     = 128
	maxColumnLen   = 256
	maxWhereLen    = 4096
	maxFileKeyLen  = 1024
	fileKeyPrefix  = "release/"
	missingQuery   = "Missing required fields: files, columns, where, limit"
	missingExec    = "Missing required fields: file, columns, where, limit"
	missingCoord   = "Missing required params: release, theme, type"
	missingRelease = "Missing ?release"
)

// ParseCoordinate reads release, theme and type from the query string.
func ParseCoordinate(v url.Values) (model.Coordinate, error) {
	c := model.Coordinate{
		Release: strings.TrimSpace(v.Get("release")),
		Theme:   strings.TrimSpace(v.Get("theme")),
		Type:    strings.TrimSpace(v.Get("type")),
	}
	if c.Release == "" || c.Theme == "" || c.Type == "" {
		return model.Coordinate{}, errors.New(missingCoord)
	}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, err
	}
	return c, nil
}

// ParseBBox reads xmin, xmax, ymin and ymax. It returns nil when none are
// present; a partial or malformed set is an error.
func ParseBBox(v url.Values) (*model.BBox, error) {
	names := [4]string{"xmin", "xmax", "ymin", "ymax"}
	var vals [4]float64
	present := 0
	for i, n := range names {
		raw := strings.TrimSpace(v.Get(n))
		if raw == "" {
			continue
		}
		present++
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", n, raw)
		}
		vals[i] = f
	}
	switch present {
	case 0:
		return nil, nil
	case 4:
	default:
		return nil, errors.New("bbox needs all of xmin, xmax, ymin, ymax")
	}
	bb := model.BBox{XMin: vals[0], XMax: vals[1], YMin: vals[2], YMax: vals[3]}
	if !bb.Valid() {
		return nil, errors.New("bbox must satisfy xmin<=xmax and ymin<=ymax")
	}
	return &bb, nil
}

type queryBody struct {
	Files   []string `json:"files"`
	File    string   `json:"file"`
	Columns []string `json:"columns"`
	Where   string   `json:"where"`
	Limit   int      `json:"limit"`
}

func decodeBody(w http.ResponseWriter, r *http.Request) (queryBody, error) {
	var b queryBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return b, errors.New("Invalid JSON")
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return b, errors.New("request body too large")
		}
		return b, errors.New("Invalid JSON")
	}
	return b, nil
}

// ParseQuery validates a /query body. Limit is clamped to maxRows; an empty
// file list is valid.
func ParseQuery(b queryBody, maxRows, maxFiles int) (model.QueryRequest, error) {
	if b.Files == nil || b.Columns == nil || strings.TrimSpace(b.Where) == "" || b.Limit == 0 {
		return model.QueryRequest{}, errors.New(missingQuery)
	}
	if maxFiles > 0 && len(b.Files) > maxFiles {
		return model.QueryRequest{}, fmt.Errorf("too many files: %d > %d", len(b.Files), maxFiles)
	}
	for i, f := range b.Files {
		if err := checkFileKey(f); err != nil {
			return model.QueryRequest{}, fmt.Errorf("files[%d]: %w", i, err)
		}
	}
	if err := checkScan(b.Columns, b.Where, b.Limit); err != nil {
		return model.QueryRequest{}, err
	}
	return model.QueryRequest{
		Files:   b.Files,
		Columns: b.Columns,
		Where:   b.Where,
		Limit:   clamp(b.Limit, maxRows),
	}, nil
}

// ParseExec validates a /query/exec body.
func ParseExec(b queryBody, maxRows int) (model.QueryRequest, error) {
	if b.File == "" || b.Columns == nil || strings.TrimSpace(b.Where) == "" || b.Limit == 0 {
		return model.QueryRequest{}, errors.New(missingExec)
	}
	if err := checkFileKey(b.File); err != nil {
		return model.QueryRequest{}, fmt.Errorf("file: %w", err)
	}
	if err := checkScan(b.Columns, b.Where, b.Limit); err != nil {
		return model.QueryRequest{}, err
	}
	return model.QueryRequest{
		Files:   []string{b.File},
		Columns: b.Columns,
		Where:   b.Where,
		Limit:   clamp(b.Limit, maxRows),
	}, nil
}

func clamp(limit, maxRows int) int {
	if maxRows > 0 && limit > maxRows {
		return maxRows
	}
	return limit
}

func checkFileKey(k string) error {
	switch {
	case len(k) > maxFileKeyLen:
		return errors.New("file key too long")
	case !strings.HasPrefix(k, fileKeyPrefix):
		return fmt.Errorf("file key must start with %q", fileKeyPrefix)
	case strings.Contains(k, ".."):
		return errors.New("file key must not contain '..'")
	case strings.ContainsAny(k, `'"\`):
		return errors.New("file key must not contain quotes")
	case strings.IndexFunc(k, unicode.IsControl) >= 0:
		return errors.New("file key must not contain control characters")
	}
	return nil
}

func checkScan(columns []string, where string, limit int) error {
	if limit < 0 {
		return errors.New("limit must be positive")
	}
	if len(columns) == 0 {
		return errors.New("columns must not be empty")
	}
	if len(columns) > maxColumns {
		return fmt.Errorf("too many columns: %d > %d", len(columns), maxColumns)
	}
	for i, c := range columns {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("columns[%d] is empty", i)
		}
		if len(c) > maxColumnLen {
			return fmt.Errorf("columns[%d] too long", i)
		}
		if err := checkFragment(c); err != nil {
			return fmt.Errorf("columns[%d]: %w", i, err)
		}
	}
	if len(where) > maxWhereLen {
		return errors.New("where clause too long")
	}
	if err := checkFragment(where); err != nil {
		return fmt.Errorf("where: %w", err)
	}
	return nil
}

// checkFragment rejects statement separators and comments. Quotes inside
// string literals are left to the engine's parser.
func checkFragment(s string) error {
	switch {
	case strings.Contains(s, ";"):
		return errors.New("statement separators are not allowed")
	case strings.Contains(s, "--"), strings.Contains(s, "/*"), strings.Contains(s, "*/"):
		return errors.New("comments are not allowed")
	case strings.IndexFunc(s, func(r rune) bool { return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' }) >= 0:
		return errors.New("control characters are not allowed")
	}
	return nil
}
