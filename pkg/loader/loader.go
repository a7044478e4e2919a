// Package loader reads documents from YAML or JSON files.
package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/l7mp/jsondb/pkg/object"
)

// Parse reads the documents of a YAML stream. A stream holds documents separated by "---" lines;
// a document is an object or a list of objects. JSON is valid YAML.
func Parse(data []byte) ([]object.Object, error) {
	ret := []object.Object{}
	for i, doc := range splitDocuments(data) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		j, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		var v any
		if err := json.Unmarshal(j, &v); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		switch t := v.(type) {
		case nil:
		case map[string]any:
			ret = append(ret, t)
		case []any:
			for k, e := range t {
				obj, ok := e.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("document %d: element %d is not an object", i, k)
				}
				ret = append(ret, obj)
			}
		default:
			return nil, fmt.Errorf("document %d: expected an object or a list, got %T", i, v)
		}
	}

	for i, obj := range ret {
		if object.GetType(obj) == "" {
			return nil, fmt.Errorf("object %d: missing %s", i, object.FieldType)
		}
	}

	return ret, nil
}

// ReadFiles parses the given files in order.
func ReadFiles(paths ...string) ([]object.Object, error) {
	ret := []object.Object{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		objs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ret = append(ret, objs...)
	}
	return ret, nil
}

func splitDocuments(data []byte) [][]byte {
	docs := [][]byte{}
	cur := &bytes.Buffer{}
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for s.Scan() {
		line := s.Text()
		if strings.TrimRight(line, " \t") == "---" {
			docs = append(docs, cur.Bytes())
			cur = &bytes.Buffer{}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	return append(docs, cur.Bytes())
}
