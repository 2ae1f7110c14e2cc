package ml

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleCSV = `N,P,K,temperature,humidity,ph,rainfall,label
90,42,43,20.87,82.00,6.50,202.93,rice
85,58,41,21.77,80.31,7.03,226.65,rice
60,55,44,23.00,82.32,7.84,263.96,rice
71,54,16,22.61,63.69,5.74,87.75,maize
61,44,17,26.10,71.57,5.60,102.26,maize
40,72,77,17.02,16.98,7.48,88.55,chickpea
23,72,84,19.02,17.13,6.92,79.92,chickpea
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crops.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCSV(t *testing.T) {
	dataset, err := LoadCSV(writeCSV(t, sampleCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dataset.Samples) != 7 {
		t.Fatalf("expected 7 samples, got %d", len(dataset.Samples))
	}

	// classes sorted lexicographically
	expected := []string{"chickpea", "maize", "rice"}
	if len(dataset.Classes) != len(expected) {
		t.Fatalf("expected classes %v, got %v", expected, dataset.Classes)
	}
	for i, name := range expected {
		if dataset.Classes[i] != name {
			t.Fatalf("expected classes %v, got %v", expected, dataset.Classes)
		}
	}
	if dataset.Labels[0] != 2 {
		t.Fatalf("expected first row labeled rice=2, got %d", dataset.Labels[0])
	}
	if dataset.Samples[0].N != 90 || dataset.Samples[0].Rainfall != 202.93 {
		t.Fatalf("unexpected first sample: %+v", dataset.Samples[0])
	}
}

func TestLoadCSVWithBOM(t *testing.T) {
	dataset, err := LoadCSV(writeCSV(t, "\ufeff"+sampleCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dataset.Samples) != 7 {
		t.Fatalf("expected 7 samples, got %d", len(dataset.Samples))
	}
	if dataset.Samples[0].N != 90 {
		t.Fatalf("BOM not stripped, first sample: %+v", dataset.Samples[0])
	}
}

func TestLoadCSVMissingColumn(t *testing.T) {
	content := "N,P,K,temperature,humidity,ph\n90,42,43,20,80,6.5\n"
	if _, err := LoadCSV(writeCSV(t, content)); err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestLoadCSVBadValue(t *testing.T) {
	content := "N,P,K,temperature,humidity,ph,rainfall,label\n90,42,forty,20,80,6.5,200,rice\n"
	if _, err := LoadCSV(writeCSV(t, content)); err == nil {
		t.Fatal("expected error for unparsable value")
	}
}

func TestSplitDatasetDeterministic(t *testing.T) {
	features := make([][]float64, 10)
	labels := make([]int, 10)
	for i := range features {
		features[i] = []float64{float64(i)}
		labels[i] = i % 2
	}

	trainX1, trainY1, testX1, _ := SplitDataset(features, labels, 0.2, 42)
	trainX2, trainY2, testX2, _ := SplitDataset(features, labels, 0.2, 42)

	if len(trainX1) != 8 || len(testX1) != 2 {
		t.Fatalf("expected 8/2 split, got %d/%d", len(trainX1), len(testX1))
	}
	for i := range trainX1 {
		if trainX1[i][0] != trainX2[i][0] || trainY1[i] != trainY2[i] {
			t.Fatal("same seed produced different splits")
		}
	}
	for i := range testX1 {
		if testX1[i][0] != testX2[i][0] {
			t.Fatal("same seed produced different splits")
		}
	}
}
