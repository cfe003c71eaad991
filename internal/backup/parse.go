package backup

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Napageneral/nudge/internal/ingest"
)

// ParseMessagesFile parses every <sms> element of a message export.
func ParseMessagesFile(path string) ([]ingest.RawRecord, error) {
	return parseFile(path, ParseMessages)
}

// ParseCallsFile parses every <call> element of a call export.
func ParseCallsFile(path string) ([]ingest.RawRecord, error) {
	return parseFile(path, ParseCalls)
}

func parseFile(path string, parse func(io.Reader) ([]ingest.RawRecord, error)) ([]ingest.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer f.Close()
	return parse(f)
}

// ParseMessages reads <sms date address type body contact_name> elements.
// A record whose attributes cannot be parsed is returned with Problem set.
func ParseMessages(r io.Reader) ([]ingest.RawRecord, error) {
	return walk(r, "sms", func(attrs map[string]string) ingest.RawRecord {
		rec := ingest.RawRecord{
			Address:     attrs["address"],
			Body:        attrs["body"],
			ContactName: attrs["contact_name"],
		}
		var problems []string
		rec.SourceMillis = parseInt64(attrs, "date", &problems)
		rec.TypeCode = int(parseInt64(attrs, "type", &problems))
		rec.Problem = strings.Join(problems, "; ")
		return rec
	})
}

// ParseCalls reads <call date number type duration contact_name> elements.
func ParseCalls(r io.Reader) ([]ingest.RawRecord, error) {
	return walk(r, "call", func(attrs map[string]string) ingest.RawRecord {
		rec := ingest.RawRecord{
			Address:     attrs["number"],
			ContactName: attrs["contact_name"],
		}
		var problems []string
		rec.SourceMillis = parseInt64(attrs, "date", &problems)
		rec.TypeCode = int(parseInt64(attrs, "type", &problems))
		rec.DurationSeconds = int(parseInt64(attrs, "duration", &problems))
		rec.Problem = strings.Join(problems, "; ")
		return rec
	})
}

func walk(r io.Reader, element string, build func(map[string]string) ingest.RawRecord) ([]ingest.RawRecord, error) {
	dec := xml.NewDecoder(r)

	var out []ingest.RawRecord
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to parse export: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != element {
			continue
		}
		attrs := make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}
		out = append(out, build(attrs))
	}
}

// parseInt64 reads a numeric attribute. Missing or "null" values are zero.
func parseInt64(attrs map[string]string, name string, problems *[]string) int64 {
	v := strings.TrimSpace(attrs[name])
	if v == "" || v == "null" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("invalid %s %q", name, v))
		return 0
	}
	return n
}
