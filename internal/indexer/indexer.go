// Package indexer tails append-only transcript files, derives
// per-item metadata, persists it, and emits change events. Each
// session file is processed by one goroutine at a time; across
// sessions there is no ordering.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/twidi/twicc/internal/db"
	"github.com/twidi/twicc/internal/timeutil"
	"github.com/twidi/twicc/internal/transcript"
)

// lookbackPage is the page size of the backward walk that bridges
// grouping runs across batches.
const lookbackPage = 200

// Events receives change notifications after each durable write.
// All methods are called outside the indexer's per-session lock.
type Events interface {
	ProjectUpserted(p db.Project)
	SessionUpserted(s db.Session)
	SessionItemsAdded(sessionID string, items, updates []db.Item)
}

// Indexer syncs transcript files into the store.
type Indexer struct {
	db     *db.DB
	root   string
	events Events

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	repoMu    sync.Mutex
	repoRoots map[string]string
}

func New(database *db.DB, root string, events Events) *Indexer {
	return &Indexer{
		db:        database,
		root:      root,
		events:    events,
		locks:     make(map[string]*sync.Mutex),
		repoRoots: make(map[string]string),
	}
}

// HandleChange dispatches one watcher path notification.
func (ix *Indexer) HandleChange(
	ctx context.Context, path string, removed bool,
) {
	loc, ok := Classify(ix.root, path)
	if !ok {
		return
	}
	switch loc.Kind {
	case PathProjectDir:
		ix.handleProjectDir(ctx, loc, removed)
	case PathSession, PathSubagent:
		if err := ix.SyncSession(ctx, loc); err != nil {
			log.Printf("indexer: sync %s: %v", path, err)
		}
	}
}

// SyncSession syncs one transcript file, serializing with any
// concurrent sync of the same session.
func (ix *Indexer) SyncSession(
	ctx context.Context, loc Location,
) error {
	unlock := ix.lockSession(loc.SessionID)
	defer unlock()
	return ix.syncLocked(ctx, loc)
}

func (ix *Indexer) lockSession(id string) func() {
	ix.mu.Lock()
	l, ok := ix.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[id] = l
	}
	ix.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// batchLine pairs a stored item with its parsed record for the
// second pass.
type batchLine struct {
	item db.Item
	rec  transcript.Record
}

func (ix *Indexer) syncLocked(
	ctx context.Context, loc Location,
) error {
	info, err := os.Stat(loc.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ix.markSessionStale(ctx, loc)
		}
		return fmt.Errorf("stat %s: %w", loc.Path, err)
	}

	sess, err := ix.db.GetSession(ctx, loc.SessionID)
	if err != nil {
		return err
	}
	if sess != nil && sess.ComputeVersion != transcript.ComputeVersion {
		// Derivation rules changed; re-index from scratch.
		log.Printf(
			"indexer: compute version %d -> %d, resetting %s",
			sess.ComputeVersion, transcript.ComputeVersion,
			loc.SessionID,
		)
		if err := ix.db.DeleteSession(loc.SessionID); err != nil {
			return err
		}
		sess = nil
	}

	mtime := info.ModTime().UnixNano()
	if sess != nil && sess.FileMtime == mtime && !sess.Stale {
		return nil
	}

	var offset, lastLine int64
	if sess != nil {
		offset = sess.ByteOffset
		lastLine = sess.LastLine
	}

	data, err := readFrom(loc.Path, offset)
	if err != nil {
		return err
	}
	// A trailing line without its newline is still being
	// appended; it stays on disk until the next sync.
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		data = nil
	}
	newOffset := offset + int64(len(data))

	lines := splitLines(data)
	if len(lines) == 0 && sess == nil {
		// Empty file: no session row at all.
		return nil
	}

	batch, agg, err := ix.buildBatch(ctx, loc, sess, lines, &lastLine)
	if err != nil {
		return err
	}

	items := make([]db.Item, len(batch))
	for i, bl := range batch {
		items[i] = bl.item
	}
	inserted, err := ix.db.AppendItems(items)
	if err != nil {
		return err
	}

	var updates []db.Item
	if inserted > 0 {
		updates, err = ix.applyGroups(ctx, loc.SessionID, batch)
		if err != nil {
			return err
		}
		if err := ix.writeLinks(ctx, loc, batch); err != nil {
			return err
		}
		for i, bl := range batch {
			items[i] = bl.item
		}
	}

	titleTargets, selfTitle := ix.applyTitles(loc, batch)

	sess, err = ix.saveSession(ctx, loc, sess, agg, saveState{
		offset:    newOffset,
		lastLine:  lastLine,
		mtime:     mtime,
		selfTitle: selfTitle,
	})
	if err != nil {
		return err
	}

	proj, err := ix.saveProject(ctx, loc, agg)
	if err != nil {
		return err
	}

	parent, err := ix.propagateParent(ctx, loc)
	if err != nil {
		return err
	}

	if ix.events != nil {
		if proj != nil {
			ix.events.ProjectUpserted(*proj)
		}
		ix.events.SessionUpserted(*sess)
		if inserted > 0 {
			ix.events.SessionItemsAdded(loc.SessionID, items, updates)
		}
		if parent != nil {
			ix.events.SessionUpserted(*parent)
		}
		for _, id := range titleTargets {
			if s, err := ix.db.GetSession(ctx, id); err == nil &&
				s != nil {
				ix.events.SessionUpserted(*s)
			}
		}
	}
	return nil
}

// aggregates carries the per-batch rollups folded into the
// session row.
type aggregates struct {
	batchCost   float64
	lastContext int64
	hasContext  bool
	lastModel   string
	lastCwd     string
	lastBranch  string
	firstCwd    string
}

func (ix *Indexer) buildBatch(
	ctx context.Context, loc Location, sess *db.Session,
	lines []string, lastLine *int64,
) ([]batchLine, aggregates, error) {
	var agg aggregates

	seen := map[string]bool{}
	if sess != nil {
		var err error
		seen, err = ix.db.SeenMessageIDs(ctx, loc.SessionID)
		if err != nil {
			return nil, agg, err
		}
	}

	var batch []batchLine
	for _, raw := range lines {
		*lastLine++
		rec := transcript.Parse(raw)
		kind, level := transcript.Classify(rec)

		it := db.Item{
			SessionID:    loc.SessionID,
			LineNum:      *lastLine,
			Raw:          raw,
			Kind:         kind,
			DisplayLevel: level,
		}
		if !rec.Timestamp.IsZero() {
			it.Timestamp = timeutil.Ptr(rec.Timestamp)
		}
		if rec.MessageID != "" {
			id := rec.MessageID
			it.MessageID = &id
		}
		if rec.Cwd != "" {
			agg.lastCwd = rec.Cwd
			if agg.firstCwd == "" {
				agg.firstCwd = rec.Cwd
			}
			if root := ix.resolveRepoRoot(rec.Cwd); root != "" {
				it.RepoRoot = &root
			}
		}
		if rec.GitBranch != "" {
			agg.lastBranch = rec.GitBranch
			branch := rec.GitBranch
			it.GitBranch = &branch
		}
		if rec.Model != "" {
			agg.lastModel = rec.Model
		}

		if u := rec.Usage; u != nil {
			it.InputTokens = &u.Input
			it.OutputTokens = &u.Output
			it.CacheRead = &u.CacheRead
			it.CacheCreate5m = &u.CacheCreate5m
			it.CacheCreate1h = &u.CacheCreate1h
			agg.lastContext = u.ContextTokens()
			agg.hasContext = true

			cost := 0.0
			if rec.MessageID == "" || !seen[rec.MessageID] {
				cost = transcript.Cost(
					rec.Model, rec.Timestamp, *u,
				)
			}
			if rec.MessageID != "" {
				seen[rec.MessageID] = true
			}
			it.Cost = &cost
			agg.batchCost += cost
		}

		batch = append(batch, batchLine{item: it, rec: rec})
	}
	return batch, agg, nil
}

// applyGroups runs the second-pass group computation over the
// batch plus the persisted tail of the session, writes the moved
// boundaries, and returns metadata-only updates for persisted
// items whose span changed.
func (ix *Indexer) applyGroups(
	ctx context.Context, sessionID string, batch []batchLine,
) ([]db.Item, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	prior, err := ix.lookback(ctx, sessionID, batch[0].item.LineNum)
	if err != nil {
		return nil, err
	}

	members := make(
		[]transcript.Member, 0, len(prior)+len(batch),
	)
	for _, it := range prior {
		members = append(members, transcript.Member{
			Line: it.LineNum, Level: it.DisplayLevel,
		})
	}
	for _, bl := range batch {
		members = append(members, transcript.Member{
			Line: bl.item.LineNum, Level: bl.item.DisplayLevel,
		})
	}
	spans := transcript.AssignGroups(members)

	for i := range batch {
		it := &batch[i].item
		if s, ok := spans[it.LineNum]; ok {
			it.GroupHead = &s.Head
			it.GroupTail = &s.Tail
		}
		err := ix.db.SetItemDerived(
			sessionID, it.LineNum, it.GroupHead, it.GroupTail, nil,
		)
		if err != nil {
			return nil, err
		}
	}

	var updates []db.Item
	for _, it := range prior {
		s, ok := spans[it.LineNum]
		if !ok {
			continue
		}
		if it.GroupHead != nil && *it.GroupHead == s.Head &&
			it.GroupTail != nil && *it.GroupTail == s.Tail {
			continue
		}
		head, tail := s.Head, s.Tail
		it.GroupHead, it.GroupTail = &head, &tail
		err := ix.db.SetItemDerived(
			sessionID, it.LineNum, it.GroupHead, it.GroupTail, nil,
		)
		if err != nil {
			return nil, err
		}
		updates = append(updates, it)
	}
	return updates, nil
}

// lookback returns the persisted non-debug tail of the session
// ending just before line, in ascending order. It pages backward
// until a debug-only anchor (a run break) or the start of the
// file.
func (ix *Indexer) lookback(
	ctx context.Context, sessionID string, before int64,
) ([]db.Item, error) {
	var tail []db.Item
	for before > 1 {
		page, err := ix.db.GetItemsBefore(
			ctx, sessionID, before, lookbackPage,
		)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		anchored := false
		for _, it := range page {
			if it.DisplayLevel == transcript.LevelDebugOnly {
				anchored = true
				break
			}
			tail = append(tail, it)
		}
		if anchored {
			break
		}
		before = page[len(page)-1].LineNum
	}
	// tail was collected newest-first; reverse it.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

func (ix *Indexer) writeLinks(
	ctx context.Context, loc Location, batch []batchLine,
) error {
	useLines := make(map[string]int64)

	for _, bl := range batch {
		line := bl.item.LineNum

		for _, u := range transcript.ToolUses(bl.rec) {
			useLines[u.ID] = line
			err := ix.db.UpsertToolResultLink(db.ToolResultLink{
				SessionID:   loc.SessionID,
				ToolUseLine: line,
				ToolUseID:   u.ID,
			})
			if err != nil {
				return err
			}
			if u.AgentID != "" {
				err := ix.db.UpsertAgentLink(db.AgentLink{
					SessionID:      loc.SessionID,
					ToolUseID:      u.ID,
					AgentSessionID: SubagentSessionID(u.AgentID),
				})
				if err != nil {
					return err
				}
			}
		}

		for _, ref := range transcript.ResultRefs(bl.rec) {
			useLine, ok := useLines[ref]
			if !ok {
				var err error
				useLine, err = ix.db.ToolUseLine(
					ctx, loc.SessionID, ref,
				)
				if err != nil {
					return err
				}
			}
			if useLine == 0 {
				continue
			}
			err := ix.db.UpsertToolResultLink(db.ToolResultLink{
				SessionID:   loc.SessionID,
				ToolUseLine: useLine,
				ToolUseID:   ref,
				ResultLine:  line,
			})
			if err != nil {
				return err
			}
		}

		// The child side of an agent link: the subagent's records
		// carry the tool-use id that spawned it.
		if loc.Kind == PathSubagent && bl.rec.ParentToolUseID != "" {
			err := ix.db.UpsertAgentLink(db.AgentLink{
				SessionID:      loc.ParentSessionID,
				ToolUseID:      bl.rec.ParentToolUseID,
				AgentSessionID: loc.SessionID,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// applyTitles processes custom-title records in the batch. A
// title targeting the current session is returned as selfTitle
// and folded into the session save; titles for other sessions are
// written directly and their ids returned for event emission.
func (ix *Indexer) applyTitles(
	loc Location, batch []batchLine,
) (targets []string, selfTitle string) {
	for _, bl := range batch {
		if bl.item.Kind != transcript.KindCustomTitle ||
			bl.rec.CustomTitle == "" {
			continue
		}
		target := bl.rec.SessionID
		if target == "" || target == loc.SessionID {
			selfTitle = bl.rec.CustomTitle
			continue
		}
		err := ix.db.SetSessionTitle(target, bl.rec.CustomTitle)
		if err != nil {
			log.Printf("indexer: title for %s: %v", target, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, selfTitle
}

type saveState struct {
	offset    int64
	lastLine  int64
	mtime     int64
	selfTitle string
}

func (ix *Indexer) saveSession(
	ctx context.Context, loc Location, prev *db.Session,
	agg aggregates, st saveState,
) (*db.Session, error) {
	s := db.Session{
		ID:        loc.SessionID,
		ProjectID: loc.ProjectID,
		Kind:      db.SessionPrimary,
	}
	if loc.Kind == PathSubagent {
		s.Kind = db.SessionSubagent
		parent := loc.ParentSessionID
		s.ParentSessionID = &parent
	}
	if prev != nil {
		s.Title = prev.Title
		s.ContextTokens = prev.ContextTokens
		s.SelfCost = prev.SelfCost
		s.SubagentsCost = prev.SubagentsCost
		s.Model = prev.Model
		s.Cwd = prev.Cwd
		s.RepoRoot = prev.RepoRoot
		s.GitBranch = prev.GitBranch
		s.CreatedAt = prev.CreatedAt
	}

	s.ByteOffset = st.offset
	s.LastLine = st.lastLine
	s.FileMtime = st.mtime
	s.ComputeVersion = transcript.ComputeVersion
	s.Stale = false
	s.ComputeComplete = true

	if st.selfTitle != "" {
		title := st.selfTitle
		s.Title = &title
	}
	if agg.hasContext {
		s.ContextTokens = agg.lastContext
	}
	s.SelfCost += agg.batchCost
	s.TotalCost = s.SelfCost + s.SubagentsCost
	if agg.lastModel != "" {
		model := agg.lastModel
		s.Model = &model
	}
	if agg.lastCwd != "" {
		cwd := agg.lastCwd
		s.Cwd = &cwd
		if root := ix.resolveRepoRoot(cwd); root != "" {
			s.RepoRoot = &root
		}
	}
	if agg.lastBranch != "" {
		branch := agg.lastBranch
		s.GitBranch = &branch
	}

	n, err := ix.db.CountItemsByKind(
		ctx, loc.SessionID, transcript.KindUserMessage,
	)
	if err != nil {
		return nil, err
	}
	s.UserMessageCount = n

	if err := ix.db.UpsertSession(s); err != nil {
		return nil, err
	}
	// Children may have indexed before this row existed (the
	// startup scan can reach a subagent file first), so the
	// subagent aggregate is recomputed from stored children
	// rather than carried forward.
	if err := ix.db.PropagateSubagentCost(loc.SessionID); err != nil {
		return nil, err
	}
	return ix.db.GetSession(ctx, loc.SessionID)
}

func (ix *Indexer) saveProject(
	ctx context.Context, loc Location, agg aggregates,
) (*db.Project, error) {
	p := db.Project{ID: loc.ProjectID}
	if agg.firstCwd != "" {
		cwd := agg.firstCwd
		p.Dir = &cwd
		if root := ix.resolveRepoRoot(cwd); root != "" {
			p.RepoRoot = &root
		}
	}
	if err := ix.db.UpsertProject(p); err != nil {
		return nil, err
	}
	if err := ix.db.RecountProject(loc.ProjectID); err != nil {
		return nil, err
	}
	return ix.db.GetProject(ctx, loc.ProjectID)
}

// propagateParent folds a subagent's total cost into its parent
// and returns the refreshed parent row, or nil for primary
// sessions.
func (ix *Indexer) propagateParent(
	ctx context.Context, loc Location,
) (*db.Session, error) {
	if loc.Kind != PathSubagent {
		return nil, nil
	}
	err := ix.db.PropagateSubagentCost(loc.ParentSessionID)
	if err != nil {
		return nil, err
	}
	if err := ix.db.RecountProject(loc.ProjectID); err != nil {
		return nil, err
	}
	return ix.db.GetSession(ctx, loc.ParentSessionID)
}

func (ix *Indexer) markSessionStale(
	ctx context.Context, loc Location,
) error {
	sess, err := ix.db.GetSession(ctx, loc.SessionID)
	if err != nil || sess == nil || sess.Stale {
		return err
	}
	if err := ix.db.SetSessionStale(loc.SessionID, true); err != nil {
		return err
	}
	if err := ix.db.RecountProject(loc.ProjectID); err != nil {
		return err
	}
	if ix.events != nil {
		if s, err := ix.db.GetSession(ctx, loc.SessionID); err == nil &&
			s != nil {
			ix.events.SessionUpserted(*s)
		}
		if p, err := ix.db.GetProject(ctx, loc.ProjectID); err == nil &&
			p != nil {
			ix.events.ProjectUpserted(*p)
		}
	}
	return nil
}

func (ix *Indexer) handleProjectDir(
	ctx context.Context, loc Location, removed bool,
) {
	if !removed {
		// A reappearing directory un-stales the project; its
		// session files arrive as separate events.
		if p, err := ix.db.GetProject(ctx, loc.ProjectID); err == nil &&
			p != nil && p.Stale {
			if err := ix.db.UpsertProject(db.Project{
				ID: loc.ProjectID,
			}); err != nil {
				log.Printf("indexer: project %s: %v",
					loc.ProjectID, err)
				return
			}
			ix.emitProject(ctx, loc.ProjectID)
		}
		return
	}

	deleted, err := ix.db.DeleteProjectIfEmpty(loc.ProjectID)
	if err != nil {
		log.Printf("indexer: project %s: %v", loc.ProjectID, err)
		return
	}
	if deleted {
		return
	}
	if err := ix.db.SetProjectStale(loc.ProjectID, true); err != nil {
		log.Printf("indexer: project %s: %v", loc.ProjectID, err)
		return
	}
	sessions, err := ix.db.ListSessionsByProject(ctx, loc.ProjectID)
	if err == nil {
		for _, s := range sessions {
			if s.Stale {
				continue
			}
			if err := ix.db.SetSessionStale(s.ID, true); err == nil &&
				ix.events != nil {
				s.Stale = true
				ix.events.SessionUpserted(s)
			}
		}
	}
	ix.emitProject(ctx, loc.ProjectID)
}

func (ix *Indexer) emitProject(ctx context.Context, id string) {
	if ix.events == nil {
		return
	}
	if p, err := ix.db.GetProject(ctx, id); err == nil && p != nil {
		ix.events.ProjectUpserted(*p)
	}
}

// resolveRepoRoot walks upward from dir looking for a .git
// marker. Results are memoized per directory; "" means no
// repository.
func (ix *Indexer) resolveRepoRoot(dir string) string {
	ix.repoMu.Lock()
	if root, ok := ix.repoRoots[dir]; ok {
		ix.repoMu.Unlock()
		return root
	}
	ix.repoMu.Unlock()

	root := findRepoRoot(dir)

	ix.repoMu.Lock()
	ix.repoRoots[dir] = root
	ix.repoMu.Unlock()
	return root
}

func readFrom(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	return readAll(f)
}

func splitLines(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
