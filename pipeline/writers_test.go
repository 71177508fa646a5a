package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

func fixtureProduct() *models.Product {
	price, mrp, discount, rating := 599.0, 1199.0, 50.0, 4.2
	return &models.Product{
		ProductID:       models.StringPtr("2489175"),
		Name:            models.StringPtr("Slim Fit Tee"),
		Brand:           models.StringPtr("Roadster"),
		Price:           &price,
		MRP:             &mrp,
		DiscountPercent: &discount,
		Rating:          &rating,
		Sizes:           []string{"S", "M", "L"},
		ImageURL:        models.StringPtr("https://cdn.shop.example/img/2489175.jpg"),
		ProductURL:      models.StringPtr("https://shop.example/tshirts/roadster/2489175/buy"),
		InStock:         true,
		SourceURL:       "https://shop.example/men-tshirts",
		ScrapedAt:       time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC),
	}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	if err := writer.Write([]*models.Product{fixtureProduct()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "productId" || records[0][3] != "price" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	row := records[1]
	if row[3] != "599" || row[7] != "" || row[8] != "S|M|L" || row[11] != "true" {
		t.Fatalf("unexpected row: %v", row)
	}
	if row[14] != "2025-11-04T13:09:13Z" {
		t.Fatalf("scrapedAt = %q", row[14])
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "products.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}

	sparse := &models.Product{SourceURL: "https://shop.example/men-tshirts", InStock: true}
	if err := writer.Write([]*models.Product{fixtureProduct(), sparse}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		lines = append(lines, decoded)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("json lines=%d, want 2", len(lines))
	}
	if lines[0]["productId"] != "2489175" || lines[0]["price"] != 599.0 {
		t.Fatalf("unexpected first record: %v", lines[0])
	}

	// missing values are explicit nulls, never absent keys
	for _, key := range []string{"productId", "price", "sizes", "imageUrl"} {
		value, ok := lines[1][key]
		if !ok || value != nil {
			t.Fatalf("%s = %v (present=%v), want null", key, value, ok)
		}
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	jsonPath := filepath.Join(dir, "products.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}

	if err := writer.Write([]*models.Product{fixtureProduct()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestMultiWriter(t *testing.T) {
	first, second := &mockWriter{}, &mockWriter{}
	writer := NewMultiWriter(map[string]OutputWriter{"file": first, "postgres": second, "unused": nil}, "file", "postgres", "missing")

	if err := writer.Write([]*models.Product{fixtureProduct()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if first.totalWritten() != 1 || second.totalWritten() != 1 {
		t.Fatalf("multi writer wrote %d/%d", first.totalWritten(), second.totalWritten())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.closed || !second.closed {
		t.Fatalf("expected both writers closed")
	}
}

func TestFileWritersValidateAfterClose(t *testing.T) {
	dir := t.TempDir()

	csvWriter, err := NewCSVWriter(filepath.Join(dir, "products.csv"))
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := csvWriter.Write([]*models.Product{fixtureProduct()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := csvWriter.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	if err := csvWriter.Validate(); err != nil {
		t.Fatalf("validate csv after close: %v", err)
	}

	jsonWriter, err := NewJSONWriter(filepath.Join(dir, "products.jsonl"))
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := jsonWriter.Write([]*models.Product{fixtureProduct()}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := jsonWriter.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}
	if err := jsonWriter.Validate(); err != nil {
		t.Fatalf("validate json after close: %v", err)
	}
}

func TestFileWritersAcceptEmptyRun(t *testing.T) {
	dir := t.TempDir()

	jsonWriter, err := NewJSONWriter(filepath.Join(dir, "products.jsonl"))
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := jsonWriter.Validate(); err != nil {
		t.Fatalf("validate empty json: %v", err)
	}
	if err := jsonWriter.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	csvWriter, err := NewCSVWriter(filepath.Join(dir, "products.csv"))
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := csvWriter.Validate(); err != nil {
		t.Fatalf("validate header-only csv: %v", err)
	}
	if err := csvWriter.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
}
