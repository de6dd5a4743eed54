package runner

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadURLFile reads a workload CSV whose first column holds website URLs. The
// first two rows are a title and a header row and are skipped. Bare domains
// get an https scheme. maxURLs <= 0 means no cap.
func LoadURLFile(path string, maxURLs int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var urls []string
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read url file row %d: %w", row+1, err)
		}
		row++
		if row <= 2 {
			continue
		}
		if len(record) == 0 {
			continue
		}
		url := strings.TrimSpace(record[0])
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "http") {
			url = "https://" + url
		}
		urls = append(urls, url)
		if maxURLs > 0 && len(urls) >= maxURLs {
			break
		}
	}
	return urls, nil
}

// SelectBatchRange trims the workload to a contiguous range of batches.
// startBatch is 1-based; numBatches <= 0 keeps everything from startBatch on.
func SelectBatchRange(urls []string, batchSize, startBatch, numBatches int) []string {
	if batchSize <= 0 || startBatch <= 1 && numBatches <= 0 {
		return urls
	}
	if startBatch < 1 {
		startBatch = 1
	}
	start := (startBatch - 1) * batchSize
	if start >= len(urls) {
		return nil
	}
	if numBatches <= 0 {
		return urls[start:]
	}
	end := start + numBatches*batchSize
	if end > len(urls) {
		end = len(urls)
	}
	return urls[start:end]
}
