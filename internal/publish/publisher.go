// Package publish promotes validated run artifacts into the output tree.
//
// Layout under the output root:
//
//	releases/<period>/<spec>/               dated, immutable official releases
//	latest/<spec>                           symlink to the newest dated release
//	research/<period>/<spec>/<run_id>/      research-mode outputs
//	review/<period>/<spec>/<run_id>/        internal review packets, never promoted
//	diagnostics/<period>/<spec>/<run_id>/   QA and extraction diagnostics for failed runs
//
// Releases are staged under .staging/ and moved into place with one rename.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dmi/internal/config"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/curated"
	"github.com/sells-group/dmi/internal/model"
)

const (
	releasesDir    = "releases"
	latestDir      = "latest"
	researchDir    = "research"
	reviewDir      = "review"
	diagnosticsDir = "diagnostics"
	stagingDir     = ".staging"
	locksDir       = ".locks"
)

// Bundle is everything a run hands to the publisher. Metadata.Outputs is
// filled in by Publish.
type Bundle struct {
	RunID           string
	Reference       model.Period
	SpecificationID string
	Mode            config.Mode
	Result          contract.Result
	QAReport        contract.QAReport
	Weights         contract.WeightsSnapshot
	Metadata        contract.ReleaseMetadata
}

// Outcome describes a promoted release.
type Outcome struct {
	Dir      string
	Path     string // relative to the output root
	Metadata contract.ReleaseMetadata
	Latest   bool
}

// BlockedError is returned when the QA status does not allow promotion.
type BlockedError struct {
	Status model.QAStatus
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("publish: QA status %s does not allow promotion", e.Status)
}

// AlreadyPublishedError is returned when the dated release already exists.
type AlreadyPublishedError struct {
	Dir string
}

func (e *AlreadyPublishedError) Error() string {
	return fmt.Sprintf("publish: release %s already exists", e.Dir)
}

// LockHeldError is returned when another publish holds the run lock.
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("publish: run lock %s is held", e.Path)
}

// Publisher writes releases under a single output root.
type Publisher struct {
	root string
	log  *zap.Logger
}

// New creates a publisher rooted at dir.
func New(dir string) *Publisher {
	return &Publisher{
		root: dir,
		log:  zap.L().With(zap.String("component", "publish")),
	}
}

// Root returns the output root.
func (p *Publisher) Root() string { return p.root }

type stagedFile struct {
	name string
	kind contract.Kind // empty for non-schema files
	data []byte
}

// Publish encodes and validates every artifact, stages them, revalidates the
// staged bytes and promotes the staging directory with a single rename.
func (p *Publisher) Publish(ctx context.Context, b Bundle) (*Outcome, error) {
	if status := b.Metadata.QA.Status; !status.Publishable() {
		return nil, &BlockedError{Status: status}
	}

	files, meta, err := prepare(b)
	if err != nil {
		return nil, err
	}

	rel := p.relPath(b)
	dest := filepath.Join(p.root, rel)
	log := p.log.With(
		zap.String("run_id", b.RunID),
		zap.String("period", b.Reference.String()),
		zap.String("specification", b.SpecificationID),
		zap.String("mode", string(b.Mode)),
	)

	unlock, err := p.lock(b.Reference, b.SpecificationID, b.RunID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(dest); err == nil {
		return nil, &AlreadyPublishedError{Dir: dest}
	} else if !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "publish: stat %s", dest)
	}

	stageRoot := filepath.Join(p.root, stagingDir)
	if err := os.MkdirAll(stageRoot, 0o755); err != nil {
		return nil, eris.Wrap(err, "publish: create staging root")
	}
	staging, err := os.MkdirTemp(stageRoot, b.RunID+"-")
	if err != nil {
		return nil, eris.Wrap(err, "publish: create staging dir")
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(staging, f.name), f.data, 0o644); err != nil {
			return nil, err
		}
	}

	if err := verifyStaged(staging, files, meta.Outputs); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "publish: cancelled before promotion")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, eris.Wrapf(err, "publish: create %s", filepath.Dir(dest))
	}
	if err := os.Rename(staging, dest); err != nil {
		return nil, eris.Wrapf(err, "publish: promote to %s", dest)
	}
	committed = true

	out := &Outcome{Dir: dest, Path: filepath.ToSlash(rel), Metadata: meta}
	if b.Mode == config.ModePublished {
		moved, err := p.refreshLatest(b.Reference, b.SpecificationID, rel)
		if err != nil {
			return out, err
		}
		out.Latest = moved
	}

	log.Info("release promoted",
		zap.String("path", out.Path),
		zap.Int("files", len(files)),
		zap.Bool("latest", out.Latest),
		zap.String("qa_status", string(meta.QA.Status)),
	)
	return out, nil
}

// prepare encodes every artifact and builds the release metadata with output
// checksums. Nothing is written.
func prepare(b Bundle) ([]stagedFile, contract.ReleaseMetadata, error) {
	meta := b.Metadata

	var files []stagedFile
	for _, a := range []struct {
		kind contract.Kind
		v    any
	}{
		{contract.KindResult, b.Result},
		{contract.KindQAReport, b.QAReport},
		{contract.KindWeights, b.Weights},
	} {
		data, err := contract.Encode(a.kind, a.v)
		if err != nil {
			return nil, meta, err
		}
		files = append(files, stagedFile{name: a.kind.FileName(), kind: a.kind, data: data})
	}

	csvData, err := contract.ContributionsCSV(b.Result.Contributions)
	if err != nil {
		return nil, meta, err
	}
	files = append(files, stagedFile{name: contract.ContributionsFile, data: csvData})

	meta.Outputs = make([]contract.OutputFile, 0, len(files))
	for _, f := range files {
		meta.Outputs = append(meta.Outputs, contract.OutputFile{
			Path:     f.name,
			Checksum: "sha256:" + curated.Checksum(f.data),
		})
	}

	metaData, err := contract.Encode(contract.KindReleaseMetadata, meta)
	if err != nil {
		return nil, meta, err
	}
	files = append(files, stagedFile{
		name: contract.KindReleaseMetadata.FileName(),
		kind: contract.KindReleaseMetadata,
		data: metaData,
	})
	return files, meta, nil
}

// verifyStaged rereads every staged file, checks it against what was encoded
// and validates the schema-bound artifacts from disk.
func verifyStaged(dir string, files []stagedFile, outputs []contract.OutputFile) error {
	sums := make(map[string]string, len(outputs))
	for _, o := range outputs {
		sums[o.Path] = o.Checksum
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return eris.Wrapf(err, "publish: reread staged %s", f.name)
		}
		if !bytes.Equal(data, f.data) {
			return eris.Errorf("publish: staged %s differs from encoded artifact", f.name)
		}
		if want, ok := sums[f.name]; ok && want != "sha256:"+curated.Checksum(data) {
			return eris.Errorf("publish: staged %s checksum mismatch", f.name)
		}
		if f.kind != "" {
			if err := contract.Validate(f.kind, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Publisher) relPath(b Bundle) string {
	if b.Mode == config.ModeResearch {
		return filepath.Join(researchDir, b.Reference.String(), b.SpecificationID, b.RunID)
	}
	return filepath.Join(releasesDir, b.Reference.String(), b.SpecificationID)
}

// lock takes the run lock for (period, spec).
func (p *Publisher) lock(ref model.Period, specID, runID string) (func(), error) {
	dir := filepath.Join(p.root, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "publish: create lock dir")
	}
	path := filepath.Join(dir, ref.String()+"_"+specID+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &LockHeldError{Path: path}
		}
		return nil, eris.Wrapf(err, "publish: create lock %s", path)
	}
	_, _ = fmt.Fprintf(f, "%s %d\n", runID, os.Getpid())
	_ = f.Close()
	return func() { _ = os.Remove(path) }, nil
}

// refreshLatest points latest/<spec> at the release unless the alias already
// names a later period. Backfills leave it alone.
func (p *Publisher) refreshLatest(ref model.Period, specID, rel string) (bool, error) {
	link := filepath.Join(p.root, latestDir, specID)
	if current, ok := latestPeriod(link); ok && current.After(ref) {
		p.log.Info("latest alias kept",
			zap.String("specification", specID),
			zap.String("latest", current.String()),
			zap.String("period", ref.String()),
		)
		return false, nil
	}
	target := filepath.Join("..", rel)
	if err := swapSymlink(target, link); err != nil {
		return false, err
	}
	return true, nil
}

// latestPeriod reads the period a latest alias points at.
func latestPeriod(link string) (model.Period, bool) {
	target, err := os.Readlink(link)
	if err != nil {
		return model.Period{}, false
	}
	parts := strings.Split(filepath.ToSlash(target), "/")
	for i, part := range parts {
		if part == releasesDir && i+1 < len(parts) {
			if p, err := model.ParsePeriod(parts[i+1]); err == nil {
				return p, true
			}
		}
	}
	return model.Period{}, false
}

// LatestDir resolves the latest release directory for a specification.
func (p *Publisher) LatestDir(specID string) (string, error) {
	link := filepath.Join(p.root, latestDir, specID)
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", eris.Wrapf(err, "publish: resolve latest %s", specID)
	}
	return dir, nil
}

// WriteReviewPacket stores a validated review packet under review/. It is
// never visible under releases/ or latest/.
func (p *Publisher) WriteReviewPacket(packet *contract.ReviewPacket) (string, error) {
	data, err := contract.Encode(contract.KindReviewPacket, packet)
	if err != nil {
		return "", err
	}
	path := filepath.Join(p.root, reviewDir, packet.CandidatePeriod, packet.SpecificationID,
		packet.RunID, contract.KindReviewPacket.FileName())
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	p.log.Warn("review packet written",
		zap.String("run_id", packet.RunID),
		zap.String("trigger", packet.Trigger),
		zap.String("path", path),
	)
	return path, nil
}

// WriteDiagnostics stores diagnostic files for a run that did not publish.
func (p *Publisher) WriteDiagnostics(runID string, ref model.Period, specID string, files map[string][]byte) (string, error) {
	dir := filepath.Join(p.root, diagnosticsDir, ref.String(), specID, runID)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeFileAtomic(filepath.Join(dir, name), files[name], 0o644); err != nil {
			return "", err
		}
	}
	p.log.Info("diagnostics written",
		zap.String("run_id", runID),
		zap.String("dir", dir),
		zap.Int("files", len(names)),
	)
	return dir, nil
}
