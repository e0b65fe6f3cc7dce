package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"microgrid-analytics/internal/models"
)

// Columns every training dataset must provide. Names follow the controller
// firmware and are matched case-insensitively.
var RequiredColumns = []string{
	"timestamp",
	"Voltage", "Current", "Power", "PowerFactor", "Frequency", "Energy", "BoxTemperature",
	"solarVoltage", "solarCurrent", "solarPower",
	"batteryPercentage", "batteryVoltage", "lightIntensity",
	"Temperature", "CloudPercent", "WindSpeed", "RainInMM",
}

// Optional columns understood when present.
var OptionalColumns = []string{"device_id", "latitude", "longitude", "weather_time"}

// Parser reads historical datasets.
type Parser struct {
	format string
}

// NewParser creates a parser for "csv" or "json". JSON input may be an
// array of objects or one object per line.
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile parses a dataset file.
func (p *Parser) ParseFile(filename string) ([]models.Observation, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	rows, err := p.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return rows, nil
}

// Parse parses a dataset from r.
func (p *Parser) Parse(r io.Reader) ([]models.Observation, error) {
	switch strings.ToLower(p.format) {
	case "csv":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// FormatFromPath guesses the dataset format from a file extension.
func FormatFromPath(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".jsonl") || strings.HasSuffix(lower, ".ndjson") {
		return "json"
	}
	return "csv"
}

func (p *Parser) parseCSV(r io.Reader) ([]models.Observation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := indices[strings.ToLower(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &models.SchemaError{Context: "csv header", Missing: missing}
	}

	var results []models.Observation
	lineNum := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return nil, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		obs, err := recordToObservation(record, indices)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		results = append(results, obs)
	}
	return results, nil
}

func recordToObservation(record []string, indices map[string]int) (models.Observation, error) {
	var o models.Observation

	getValue := func(key string) string {
		if idx, ok := indices[strings.ToLower(key)]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	ts := getValue("timestamp")
	if ts == "" {
		return o, &models.InvalidInputError{Field: "timestamp", Reason: "empty"}
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return o, &models.InvalidInputError{Field: "timestamp", Reason: err.Error()}
	}
	o.Timestamp = t
	o.DeviceID = getValue("device_id")

	if wt := getValue("weather_time"); wt != "" {
		if o.ValidAt, err = parseTimestamp(wt); err != nil {
			return o, &models.InvalidInputError{Field: "weather_time", Reason: err.Error()}
		}
	}
	for _, c := range []struct {
		name string
		dst  *float64
	}{{"latitude", &o.Latitude}, {"longitude", &o.Longitude}} {
		if s := getValue(c.name); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return o, &models.InvalidInputError{Field: c.name, Reason: fmt.Sprintf("%q is not a number", s)}
			}
			*c.dst = v
		}
	}

	for _, f := range measurementFields(&o) {
		m, err := parseMeasurement(getValue(f.name))
		if err != nil {
			return o, &models.InvalidInputError{Field: f.name, Reason: err.Error()}
		}
		*f.dst = m
	}
	return o, nil
}

type measurementField struct {
	name string
	dst  *models.Measurement
}

func measurementFields(o *models.Observation) []measurementField {
	return []measurementField{
		{"Voltage", &o.Voltage},
		{"Current", &o.Current},
		{"Power", &o.Power},
		{"PowerFactor", &o.PowerFactor},
		{"Frequency", &o.Frequency},
		{"Energy", &o.Energy},
		{"BoxTemperature", &o.BoxTemperature},
		{"solarVoltage", &o.SolarVoltage},
		{"solarCurrent", &o.SolarCurrent},
		{"solarPower", &o.SolarPower},
		{"batteryPercentage", &o.BatteryPercentage},
		{"batteryVoltage", &o.BatteryVoltage},
		{"lightIntensity", &o.LightIntensity},
		{"Temperature", &o.Temperature},
		{"CloudPercent", &o.CloudPercent},
		{"WindSpeed", &o.WindSpeed},
		{"RainInMM", &o.RainInMM},
	}
}

// parseMeasurement treats empty cells and NaN markers as absent.
func parseMeasurement(s string) (models.Measurement, error) {
	switch strings.ToLower(s) {
	case "", "nan", "null", "none", "na":
		return models.None(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return models.None(), fmt.Errorf("%q is not a number", s)
	}
	return models.Some(v), nil
}

func (p *Parser) parseJSON(r io.Reader) ([]models.Observation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var raw []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode json array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			raw = append(raw, json.RawMessage(slices.Clone(line)))
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	results := make([]models.Observation, 0, len(raw))
	for i, msg := range raw {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(msg, &keys); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		for k := range keys {
			seen[strings.ToLower(k)] = true
		}

		var o models.Observation
		if err := json.Unmarshal(msg, &o); err != nil {
			var ie *models.InvalidInputError
			if errors.As(err, &ie) {
				return nil, fmt.Errorf("record %d: %w", i+1, ie)
			}
			return nil, fmt.Errorf("record %d: %w", i+1, &models.InvalidInputError{Reason: err.Error()})
		}
		results = append(results, o)
	}

	if len(results) > 0 {
		var missing []string
		for _, c := range RequiredColumns {
			if !seen[strings.ToLower(c)] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return nil, &models.SchemaError{Context: "json records", Missing: missing}
		}
	}
	return results, nil
}

// parseTimestamp tries multiple timestamp formats. Zone-less values are UTC.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
