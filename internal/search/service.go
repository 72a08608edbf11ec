package search

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"patchmgr/api/internal/patch"
)

const queueSize = 256

// Service is the facade that tries the index first and falls back to a scan
// of the tree. Index updates are queued and applied in order by one worker.
type Service struct {
	tree  Tree
	index Index
	scan  *Scanner

	jobs      chan func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewService creates a search service. index may be nil if no search engine
// is configured.
func NewService(tree Tree, index Index) *Service {
	s := &Service{
		tree:  tree,
		index: index,
		scan:  NewScanner(tree),
		jobs:  make(chan func(), queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Service) run() {
	defer s.wg.Done()
	for job := range s.jobs {
		job()
	}
}

// Close applies every queued index update and stops the worker. No update
// may be queued after Close.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

func (s *Service) indexing() bool {
	return s.index != nil && s.index.Healthy()
}

// enqueue schedules an index update. Updates are dropped when the queue is
// full; a later Reindex repairs the index.
func (s *Service) enqueue(what string, job func() error) {
	if !s.indexing() {
		return
	}
	select {
	case s.jobs <- func() {
		if err := job(); err != nil {
			log.WithError(err).Warnf("search: %s", what)
		}
	}:
	default:
		log.Warnf("search: queue full, dropped %s", what)
	}
}

// Search looks for q.Text in the effective view of q.PatchID. Index hits are
// kept only when their entry is still the one visible from q.PatchID.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	ancestors, err := s.tree.Ancestors(q.PatchID)
	if err != nil {
		return Response{}, err
	}
	scope := append([]string{q.PatchID}, ancestors...)

	if s.indexing() {
		hits, err := s.index.Search(q, scope)
		if err == nil {
			results, err := s.verify(ctx, q.PatchID, hits)
			if err != nil {
				return Response{}, err
			}
			return page(q, results), nil
		}
		log.WithError(err).Warn("search: index error, falling back to scan")
	}

	results, err := s.scan.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return page(q, results), nil
}

func (s *Service) verify(ctx context.Context, id string, hits []Hit) ([]Result, error) {
	seen := make(map[string]bool, len(hits))
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if seen[hit.Path] {
			continue
		}
		pc, err := s.tree.GetPathContent(ctx, id, hit.Path, false)
		if err != nil {
			return nil, err
		}
		if !pc.Current.Exists() || pc.Current.Source != hit.PatchID {
			continue
		}
		seen[hit.Path] = true
		results = append(results, Result{PatchID: id, Path: hit.Path, Source: hit.PatchID, Snippet: hit.Snippet})
	}
	return results, nil
}

func page(q Query, results []Result) Response {
	total := len(results)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	out := results[offset:end]
	if out == nil {
		out = []Result{}
	}
	return Response{Results: out, Total: total, Query: q.Text}
}

// Sync pushes a patch's own entries to the index: content is upserted and
// tombstoned paths are removed.
func (s *Service) Sync(id string, views map[string]patch.View) {
	upserts, deletes := records(id, views)
	s.enqueue("sync "+id, func() error {
		if err := s.index.Upsert(upserts); err != nil {
			return err
		}
		return s.index.Delete(deletes)
	})
}

func records(id string, views map[string]patch.View) (upserts []EntryRecord, deletes []string) {
	for path, v := range views {
		if v.Exists() {
			upserts = append(upserts, newRecord(id, path, v.Content))
		} else {
			deletes = append(deletes, DocID(id, path))
		}
	}
	return upserts, deletes
}

// SyncPatch reads id's overlay and syncs it.
func (s *Service) SyncPatch(ctx context.Context, id string) {
	if !s.indexing() {
		return
	}
	views, err := s.tree.Overlay(ctx, id)
	if err != nil {
		log.WithError(err).WithField("patch", id).Warn("search: read overlay")
		return
	}
	s.Sync(id, views)
}

// Forget removes the documents of id's entries at paths.
func (s *Service) Forget(id string, paths []string) {
	ids := make([]string, len(paths))
	for i, p := range paths {
		ids[i] = DocID(id, p)
	}
	s.enqueue("forget "+id, func() error { return s.index.Delete(ids) })
}

// Reindex pushes every patch's overlay to the index, bypassing the queue.
func (s *Service) Reindex(ctx context.Context) error {
	if !s.indexing() {
		return nil
	}
	for _, p := range s.tree.List() {
		views, err := s.tree.Overlay(ctx, p.ID)
		if err != nil {
			return err
		}
		upserts, _ := records(p.ID, views)
		if err := s.index.Upsert(upserts); err != nil {
			return fmt.Errorf("reindex %s: %w", p.ID, err)
		}
	}
	return nil
}
