package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"boardsync/remote"
)

// Collection describes how one document collection maps onto a table.
// Documents are partitioned by PartitionField and keyed by id; ArrayFields
// are stored as JSON text because tables hold only scalar properties.
type Collection struct {
	Name           string
	Table          string
	PartitionField string
	ArrayFields    []string
}

// DefaultCollections partitions tasks by project and projects by team.
func DefaultCollections(tasksTable, projectsTable string) []Collection {
	return []Collection{
		{Name: remote.Tasks, Table: tasksTable, PartitionField: "projectId", ArrayFields: []string{"labels"}},
		{Name: remote.Projects, Table: projectsTable, PartitionField: "teamId", ArrayFields: []string{"taskIds"}},
	}
}

const emptyPartition = "_"

func (c Collection) isArray(field string) bool {
	for _, f := range c.ArrayFields {
		if f == field {
			return true
		}
	}
	return false
}

// partition returns the partition key for a document.
func (c Collection) partition(data map[string]any) string {
	if v, ok := data[c.PartitionField].(string); ok && v != "" {
		return v
	}
	return emptyPartition
}

// storedEntity is a decoded table row.
type storedEntity struct {
	PartitionKey string
	Doc          remote.Document
	ETag         azcore.ETag
}

// encode builds the table entity for a document.
func (c Collection) encode(id string, data map[string]any) ([]byte, error) {
	return c.entity(c.partition(data), id, data)
}

// encodeFields builds a merge entity holding only the given keys.
func (c Collection) encodeFields(pk, id string, data map[string]any, keys []string) ([]byte, error) {
	sub := make(map[string]any, len(keys))
	for _, k := range keys {
		sub[k] = data[k]
	}
	return c.entity(pk, id, sub)
}

func (c Collection) entity(pk, id string, data map[string]any) ([]byte, error) {
	ent := make(map[string]any, len(data)+2)
	for k, v := range data {
		if k == "id" {
			continue
		}
		if c.isArray(k) {
			text, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", k, err)
			}
			ent[k] = string(text)
			continue
		}
		ent[k] = v
	}
	ent["PartitionKey"] = pk
	ent["RowKey"] = id
	return json.Marshal(ent)
}

func (c Collection) decode(raw []byte) (storedEntity, error) {
	var ent map[string]any
	if err := json.Unmarshal(raw, &ent); err != nil {
		return storedEntity{}, err
	}
	out := storedEntity{}
	if v, ok := ent["odata.etag"].(string); ok {
		out.ETag = azcore.ETag(v)
	}
	out.PartitionKey, _ = ent["PartitionKey"].(string)
	id, _ := ent["RowKey"].(string)
	data := make(map[string]any, len(ent))
	for k, v := range ent {
		switch {
		case k == "PartitionKey", k == "RowKey", k == "Timestamp":
			continue
		case strings.HasPrefix(k, "odata."), strings.HasSuffix(k, "@odata.type"):
			continue
		}
		if text, ok := v.(string); ok && c.isArray(k) {
			var arr []any
			if err := json.Unmarshal([]byte(text), &arr); err != nil {
				return storedEntity{}, fmt.Errorf("decode %s of %s: %w", k, id, err)
			}
			if arr == nil {
				arr = []any{}
			}
			v = arr
		}
		data[k] = v
	}
	out.Doc = remote.Document{ID: id, Data: data}
	return out, nil
}

// odataFilter renders equality filters as an OData expression. Property
// names are sorted so equal filter sets render equally.
func odataFilter(filters []remote.Filter) string {
	sorted := append([]remote.Filter(nil), filters...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })
	parts := make([]string, 0, len(sorted))
	for _, f := range sorted {
		parts = append(parts, fmt.Sprintf("%s eq %s", f.Field, odataString(f.Value)))
	}
	return strings.Join(parts, " and ")
}

func odataString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
