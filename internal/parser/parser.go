package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"tracker-relay/internal/models"
)

// Parser reads raw reports from files for offline replay
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile parses a report file
func (p *Parser) ParseFile(filename string) ([]models.RawReport, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads reports from r in the parser's format
func (p *Parser) Parse(r io.Reader) ([]models.RawReport, error) {
	switch strings.ToLower(p.format) {
	case "csv":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	case "jsonl":
		return p.parseJSONLines(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses CSV reports. The header row names the report fields
// (device_id, lat, lng, speed, ...); values stay strings and are coerced by
// the normalizer.
func (p *Parser) parseCSV(r io.Reader) ([]models.RawReport, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var results []models.RawReport
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		raw := make(models.RawReport, len(header))
		for i, key := range header {
			if i < len(record) && key != "" {
				if v := strings.TrimSpace(record[i]); v != "" {
					raw[key] = v
				}
			}
		}
		results = append(results, raw)
	}

	return results, nil
}

// parseJSON accepts either a JSON array of reports or newline-delimited JSON
func (p *Parser) parseJSON(r io.Reader) ([]models.RawReport, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var results []models.RawReport
	if err := json.Unmarshal(data, &results); err == nil {
		return results, nil
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON. Lines that do not decode
// are skipped.
func (p *Parser) parseJSONLines(r io.Reader) ([]models.RawReport, error) {
	var results []models.RawReport
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}
		line = strings.TrimSuffix(line, ",")

		var raw models.RawReport
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		results = append(results, raw)
	}

	return results, scanner.Err()
}
