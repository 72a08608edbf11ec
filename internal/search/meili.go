package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	log "github.com/sirupsen/logrus"
)

const (
	defaultIndexUID = "patchmgr_entries"
	// maxHits bounds one index query; hits are verified and paged after.
	maxHits = 1000
)

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	uid     string
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the entry index.
// The client starts unhealthy if the first health check fails and recovers
// on its own once the server answers.
func NewMeili(url, apiKey, uid string) *Meili {
	if uid == "" {
		uid = defaultIndexUID
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		uid:    uid,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.WithError(err).WithField("url", url).Warn("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        m.uid,
		PrimaryKey: "id",
	}); err != nil {
		log.WithError(err).Debugf("search: create index %s (may already exist)", m.uid)
	}

	index := m.client.Index(m.uid)
	filterable := []interface{}{"patchId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.WithError(err).Warnf("search: update filterable attrs for %s", m.uid)
	}
	searchable := []string{"path", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.WithError(err).Warnf("search: update searchable attrs for %s", m.uid)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search returns entries of the patches in scope that match q.Text.
func (m *Meili) Search(q Query, scope []string) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if len(scope) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(scope))
	for i, id := range scope {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              m.uid,
			Query:                 q.Text,
			Limit:                 maxHits,
			Filter:                fmt.Sprintf("patchId IN [%s]", strings.Join(quoted, ", ")),
			AttributesToCrop:      []string{"body"},
			CropLength:            20,
			AttributesToHighlight: []string{"body"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var hits []Hit
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			hits = append(hits, Hit{
				PatchID: decodeString(hit, "patchId"),
				Path:    decodeString(hit, "path"),
				Snippet: decodeFormattedString(hit, "body"),
			})
		}
	}
	return hits, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// Upsert adds or replaces entry documents.
func (m *Meili) Upsert(records []EntryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(m.uid).AddDocuments(records, nil)
	return err
}

// Delete removes entry documents by id.
func (m *Meili) Delete(ids []string) error {
	index := m.client.Index(m.uid)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}
