package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Dataset is a labeled training set. Classes holds the label names sorted
// lexicographically; Labels holds the index of each sample's class.
type Dataset struct {
	Samples []RawSample
	Labels  []int
	Classes []string
}

var csvColumns = []string{"N", "P", "K", "temperature", "humidity", "ph", "rainfall", "label"}

// LoadCSV reads a labeled training CSV. Spreadsheet exports frequently carry
// a UTF-8 BOM or are UTF-16 encoded, so the reader decodes through a
// BOM-aware transform before parsing.
func LoadCSV(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	reader := csv.NewReader(transform.NewReader(file, decoder))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	for _, name := range csvColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("csv missing column %q", name)
		}
	}

	samples := make([]RawSample, 0)
	labelNames := make([]string, 0)
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		row++
		values := make([]float64, len(csvColumns)-1)
		for i, name := range csvColumns[:len(csvColumns)-1] {
			v, err := strconv.ParseFloat(record[columns[name]], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: column %q: %w", row, name, err)
			}
			values[i] = v
		}
		label := record[columns["label"]]
		if label == "" {
			return nil, fmt.Errorf("row %d: empty label", row)
		}
		samples = append(samples, RawSample{
			N:           values[0],
			P:           values[1],
			K:           values[2],
			Temperature: values[3],
			Humidity:    values[4],
			PH:          values[5],
			Rainfall:    values[6],
		})
		labelNames = append(labelNames, label)
	}
	if len(samples) == 0 {
		return nil, errors.New("csv contains no data rows")
	}

	classes, labels := encodeLabels(labelNames)
	return &Dataset{Samples: samples, Labels: labels, Classes: classes}, nil
}

// encodeLabels maps label names to indices in sorted name order, so class
// index order is the lexicographic label order.
func encodeLabels(names []string) ([]string, []int) {
	seen := make(map[string]bool)
	classes := make([]string, 0)
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			classes = append(classes, name)
		}
	}
	sort.Strings(classes)

	index := make(map[string]int, len(classes))
	for i, name := range classes {
		index[name] = i
	}
	labels := make([]int, len(names))
	for i, name := range names {
		labels[i] = index[name]
	}
	return classes, labels
}

// SplitDataset shuffles with the given seed and splits into train and test
// partitions. Deterministic for a fixed seed.
func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := len(features) - int(float64(len(features))*testRatio)
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}
