package docstore

import (
	"encoding/json"
	"time"
)

// Schema tags every payload written by this package.
const Schema = "docsync.document/v1"

// Row is one caller-owned record of the document. Its contents are opaque.
type Row map[string]any

// Meta describes the payload. StoreVersion is the revision the payload was
// read at; it is never persisted.
type Meta struct {
	Resource     string `json:"resource"`
	Schema       string `json:"schema"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	UpdatedBy    string `json:"updatedBy,omitempty"`
	UpdatedRole  string `json:"updatedRole,omitempty"`
	StoreVersion string `json:"storeVersion,omitempty"`
}

// Payload is the shared document.
type Payload struct {
	Meta    Meta  `json:"meta"`
	Counter int64 `json:"counter"`
	DB      []Row `json:"db"`
}

// Normalize makes p safe to hand out as the document of key: DB is never nil,
// meta.resource is key and the schema is set. A nil p yields the empty
// document.
func Normalize(key string, p *Payload) *Payload {
	if p == nil {
		p = &Payload{}
	}
	if p.DB == nil {
		p.DB = []Row{}
	}
	p.Meta.Resource = key
	if p.Meta.Schema == "" {
		p.Meta.Schema = Schema
	}
	return p
}

// Clone returns a deep copy of p.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Rows hold values json cannot encode; fall back to a shallow copy.
		c := *p
		c.DB = append([]Row(nil), p.DB...)
		return &c
	}
	var c Payload
	_ = json.Unmarshal(b, &c)
	return &c
}

// Decode parses stored content. Empty content and JSON null decode to the
// empty document.
func Decode(key string, content []byte) (*Payload, error) {
	var p *Payload
	if len(content) > 0 {
		if err := json.Unmarshal(content, &p); err != nil {
			return nil, err
		}
	}
	return Normalize(key, p), nil
}

func encode(p *Payload) ([]byte, error) {
	c := *p
	c.Meta.StoreVersion = ""
	return json.Marshal(&c)
}

// Entry is what the memory table and the durable fallback hold per resource.
type Entry struct {
	Payload   *Payload  `json:"payload"`
	Revision  string    `json:"revision,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}
