package trackerdb

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// candidateNames are tried first when picking a data file out of an archive,
// in priority order.
var candidateNames = []string{
	"trackerdb.json",
	"dist/trackerdb.json",
	"data/trackerdb.json",
	"patterns.json",
	"trackers.json",
}

// extractDatabaseJSON pulls the first recognizable database file out of a zip
// archive: priority-named candidates first, then any JSON object that looks
// like tracker data.
func extractDatabaseJSON(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	for _, candidate := range candidateNames {
		for _, file := range reader.File {
			if file.Name != candidate && !strings.HasSuffix(file.Name, "/"+candidate) {
				continue
			}
			data, err := readZipFile(file)
			if err != nil {
				continue
			}
			return data, nil
		}
	}

	for _, file := range reader.File {
		if !strings.HasSuffix(strings.ToLower(file.Name), ".json") {
			continue
		}
		data, err := readZipFile(file)
		if err != nil {
			continue
		}
		if looksLikeDatabase(data) {
			return data, nil
		}
	}
	return nil, fmt.Errorf("no database file found in archive")
}

// looksLikeDatabase accepts any JSON object carrying a patterns/trackers key
// or with more than 50 top-level entries.
func looksLikeDatabase(data []byte) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	if _, ok := doc["patterns"]; ok {
		return true
	}
	if _, ok := doc["trackers"]; ok {
		return true
	}
	return len(doc) > 50
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file.Name, err)
	}
	return data, nil
}
