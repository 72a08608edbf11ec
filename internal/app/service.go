package app

import (
	"context"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"patchmgr/api/internal/config"
	"patchmgr/api/internal/gitrepo"
	"patchmgr/api/internal/metrics"
	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/patch"
	"patchmgr/api/internal/preview"
	"patchmgr/api/internal/search"
	"patchmgr/api/internal/textutil"
)

type HomeView struct {
	Root    string        `json:"root"`
	Patches []patch.Patch `json:"patches"`
}

type PatchView struct {
	Patch     patch.Patch      `json:"patch"`
	Ancestors []string         `json:"ancestors"`
	Dir       string           `json:"dir"`
	Paths     []string         `json:"paths"`
	Diffs     []patch.FileDiff `json:"diffs"`
}

// EditorView is one file as the editor shows it: leading indentation is
// displayed as tabs.
type EditorView struct {
	PatchID  string       `json:"patchId"`
	Path     string       `json:"path"`
	ReadOnly bool         `json:"readOnly"`
	Status   patch.Status `json:"status"`
	Source   string       `json:"source,omitempty"`
	Current  string       `json:"current"`
	Base     *string      `json:"base,omitempty"`
}

type CreatePatchInput struct {
	Parent string `json:"parent"`
	Title  string `json:"title"`
}

type RenamePatchInput struct {
	ID string `json:"id"`
}

type SetTitleInput struct {
	Title string `json:"title"`
}

type SaveFileInput struct {
	Text string `json:"text"`
}

type ImportInput struct {
	Rev string `json:"rev"`
}

type ImportResult struct {
	Root   patch.Patch        `json:"root"`
	Commit gitrepo.CommitInfo `json:"commit"`
	Files  int                `json:"files"`
}

type PublishInput struct {
	Message string `json:"message"`
}

type gitService interface {
	Snapshot(rev string) (gitrepo.Baseline, error)
	Publish(branch string, files map[string][]byte, message string) (gitrepo.CommitInfo, error)
}

type Service struct {
	cfg     config.Config
	store   overlay.Store
	tree    *patch.Tree
	search  *search.Service
	preview *preview.Service
	git     gitService
}

// New wires the service. gitService may be nil when no baseline repository
// is configured.
func New(cfg config.Config, store overlay.Store, tree *patch.Tree, searchSvc *search.Service, previewSvc *preview.Service, gitService *gitrepo.Service) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		tree:    tree,
		search:  searchSvc,
		preview: previewSvc,
	}
	if gitService != nil {
		s.git = gitService
	}
	return s
}

// Bootstrap imports the configured branch into an empty tree and rebuilds
// the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	root := s.tree.Root()
	if s.git != nil && len(root.Children) == 0 {
		files, err := s.tree.RootFiles(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			if _, err := s.ImportBaseline(ctx, ImportInput{}); err != nil {
				return err
			}
		}
	}
	metrics.SetPatches(len(s.tree.List()))
	return s.search.Reindex(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func observe(op string, start time.Time, err *error) {
	metrics.Observe(op, start, *err)
}

func (s *Service) Home() HomeView {
	return HomeView{Root: s.tree.Root().ID, Patches: s.tree.List()}
}

// ShowPatch lists dir in id and diffs id against its parent. The root has
// no parent and gets no diffs.
func (s *Service) ShowPatch(ctx context.Context, id, dir string) (view PatchView, err error) {
	defer observe("show", time.Now(), &err)
	p, err := s.tree.Load(id)
	if err != nil {
		return PatchView{}, err
	}
	ancestors, err := s.tree.Ancestors(id)
	if err != nil {
		return PatchView{}, err
	}
	view = PatchView{Patch: p, Ancestors: ancestors, Dir: strings.Trim(dir, "/"), Diffs: []patch.FileDiff{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		paths, err := s.tree.GetPaths(gctx, id, dir, false)
		view.Paths = paths
		return err
	})
	if p.Kind != patch.KindRoot {
		g.Go(func() error {
			diffs, err := s.tree.GetDiff(gctx, id)
			if diffs != nil {
				view.Diffs = diffs
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PatchView{}, err
	}
	return view, nil
}

func (s *Service) Paths(ctx context.Context, id, prefix string, recursive bool) ([]string, error) {
	return s.tree.GetPaths(ctx, id, prefix, recursive)
}

func (s *Service) Diff(ctx context.Context, id string) (diffs []patch.FileDiff, err error) {
	defer observe("diff", time.Now(), &err)
	return s.tree.GetDiff(ctx, id)
}

func (s *Service) Editor(ctx context.Context, id, filePath string) (EditorView, error) {
	p, err := s.tree.Load(id)
	if err != nil {
		return EditorView{}, err
	}
	clean, err := patch.CleanPath(filePath)
	if err != nil {
		return EditorView{}, invalidField("path", err)
	}
	pc, err := s.tree.GetPathContent(ctx, id, clean, true)
	if err != nil {
		return EditorView{}, err
	}
	view := EditorView{
		PatchID:  id,
		Path:     clean,
		ReadOnly: p.ReadOnly,
		Status:   pc.Current.Status,
		Source:   pc.Current.Source,
	}
	if pc.Current.Exists() {
		view.Current = textutil.SpacesToTabs(string(pc.Current.Content))
	}
	if pc.Base != nil && pc.Base.Exists() {
		base := textutil.SpacesToTabs(string(pc.Base.Content))
		view.Base = &base
	}
	return view, nil
}

// SaveFile writes editor text back to id. Empty text deletes the file.
func (s *Service) SaveFile(ctx context.Context, id, filePath string, input SaveFileInput) (view EditorView, err error) {
	defer observe("save", time.Now(), &err)
	clean, err := patch.CleanPath(filePath)
	if err != nil {
		return EditorView{}, invalidField("path", err)
	}
	var content []byte
	if input.Text != "" {
		content = textutil.NormalizeUTF8LF([]byte(textutil.TabsToSpaces(input.Text)))
	}
	if err := s.tree.WritePathContent(ctx, id, clean, content); err != nil {
		return EditorView{}, err
	}
	s.syncPath(ctx, id, clean)
	return s.Editor(ctx, id, clean)
}

func (s *Service) DeleteFile(ctx context.Context, id, filePath string) (err error) {
	defer observe("delete_file", time.Now(), &err)
	clean, err := patch.CleanPath(filePath)
	if err != nil {
		return invalidField("path", err)
	}
	if err := s.tree.DeletePath(ctx, id, clean); err != nil {
		return err
	}
	s.syncPath(ctx, id, clean)
	return nil
}

func (s *Service) syncPath(ctx context.Context, id, filePath string) {
	pc, err := s.tree.GetPathContent(ctx, id, filePath, false)
	if err != nil {
		log.WithError(err).WithField("patch", id).Warn("search: read saved path")
		return
	}
	s.search.Sync(id, map[string]patch.View{filePath: pc.Current})
}

func (s *Service) CreatePatch(ctx context.Context, input CreatePatchInput) (p patch.Patch, err error) {
	defer observe("create", time.Now(), &err)
	parent := strings.TrimSpace(input.Parent)
	if parent == "" {
		parent = s.tree.Root().ID
	}
	p, err = s.tree.CreateChild(ctx, parent, strings.TrimSpace(input.Title))
	if err != nil {
		return patch.Patch{}, err
	}
	metrics.SetPatches(len(s.tree.List()))
	return p, nil
}

func (s *Service) RenamePatch(ctx context.Context, id string, input RenamePatchInput) (p patch.Patch, err error) {
	defer observe("rename", time.Now(), &err)
	newID := strings.TrimSpace(input.ID)
	if newID == "" {
		return patch.Patch{}, requiredField("id")
	}
	own, err := s.tree.Overlay(ctx, id)
	if err != nil {
		return patch.Patch{}, err
	}
	p, err = s.tree.Rename(ctx, id, newID)
	if err != nil {
		return patch.Patch{}, err
	}
	if p.ID != id {
		s.search.Forget(id, sortedPaths(own))
		s.search.SyncPatch(ctx, p.ID)
	}
	return p, nil
}

func (s *Service) SetTitle(ctx context.Context, id string, input SetTitleInput) (p patch.Patch, err error) {
	defer observe("retitle", time.Now(), &err)
	return s.tree.SetTitle(ctx, id, strings.TrimSpace(input.Title))
}

func (s *Service) DeletePatch(ctx context.Context, id string) (err error) {
	defer observe("delete", time.Now(), &err)
	own, err := s.tree.Overlay(ctx, id)
	if err != nil {
		return err
	}
	if err := s.tree.Delete(ctx, id); err != nil {
		return err
	}
	s.search.Forget(id, sortedPaths(own))
	metrics.SetPatches(len(s.tree.List()))
	return nil
}

// MergePatch folds id into its parent and returns the parent.
func (s *Service) MergePatch(ctx context.Context, id string) (parent patch.Patch, err error) {
	defer observe("merge", time.Now(), &err)
	p, err := s.tree.Load(id)
	if err != nil {
		return patch.Patch{}, err
	}
	own, err := s.tree.Overlay(ctx, id)
	if err != nil {
		return patch.Patch{}, err
	}
	if err := s.tree.MergeUp(ctx, id); err != nil {
		return patch.Patch{}, err
	}

	var removed []string
	for path, v := range own {
		if !v.Exists() {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	s.search.Forget(id, sortedPaths(own))
	s.search.Forget(p.Parent, removed)
	s.search.SyncPatch(ctx, p.Parent)
	metrics.SetPatches(len(s.tree.List()))
	return s.tree.Load(p.Parent)
}

func (s *Service) Preview(ctx context.Context, id string, req preview.Request) (html string, err error) {
	defer observe("preview", time.Now(), &err)
	if _, err := s.tree.Load(id); err != nil {
		return "", err
	}
	req.PatchID = id
	req.Text = textutil.TabsToSpaces(req.Text)
	return s.preview.Preview(ctx, req)
}

func (s *Service) Search(ctx context.Context, q search.Query) (resp search.Response, err error) {
	defer observe("search", time.Now(), &err)
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, requiredField("q")
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Reindex(ctx context.Context) error {
	return s.search.Reindex(ctx)
}

// ImportBaseline replaces the root's files with the tree of input.Rev, or
// of the configured branch head when Rev is empty.
func (s *Service) ImportBaseline(ctx context.Context, input ImportInput) (result ImportResult, err error) {
	defer observe("import", time.Now(), &err)
	if s.git == nil {
		return ImportResult{}, gitUnavailable()
	}
	rev := strings.TrimSpace(input.Rev)
	if rev == "" {
		rev = s.cfg.Branch
	}
	baseline, err := s.git.Snapshot(rev)
	if err != nil {
		return ImportResult{}, err
	}

	rootID := s.tree.Root().ID
	old, err := s.tree.Overlay(ctx, rootID)
	if err != nil {
		return ImportResult{}, err
	}
	if err := s.tree.SeedRoot(ctx, baseline.Files); err != nil {
		return ImportResult{}, err
	}
	root, err := s.tree.SetTitle(ctx, rootID, baseline.Title())
	if err != nil {
		return ImportResult{}, err
	}
	s.search.Forget(rootID, sortedPaths(old))
	s.search.SyncPatch(ctx, rootID)

	log.WithFields(log.Fields{"commit": baseline.Commit.Hash, "files": len(baseline.Files)}).Info("imported baseline")
	return ImportResult{Root: root, Commit: baseline.Commit, Files: len(baseline.Files)}, nil
}

// Publish commits the root's files to the publish branch.
func (s *Service) Publish(ctx context.Context, input PublishInput) (commit gitrepo.CommitInfo, err error) {
	defer observe("publish", time.Now(), &err)
	if s.git == nil {
		return gitrepo.CommitInfo{}, gitUnavailable()
	}
	files, err := s.tree.RootFiles(ctx)
	if err != nil {
		return gitrepo.CommitInfo{}, err
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = "Publish " + s.tree.Root().Title
	}
	return s.git.Publish(s.cfg.PublishBranch, files, message)
}

func sortedPaths(views map[string]patch.View) []string {
	out := make([]string, 0, len(views))
	for p := range views {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
