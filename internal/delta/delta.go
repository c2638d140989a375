// Package delta computes and applies bidirectional binary deltas between two
// revisions of a file. Deltas are built rsync-style: a signature of the basis
// file (fixed-size blocks, rolling checksum + xxh3-128 strong hash) is matched
// against a sliding window over the new file, emitting copy records for
// matched blocks and insert records for everything else. Small files skip
// delta computation and fall back to full copies held by the object store.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"

	"github.com/keshon/savepoint/internal/cas"
	"github.com/keshon/savepoint/internal/config"
	"github.com/keshon/savepoint/internal/fsys"
	"github.com/keshon/savepoint/internal/model"
)

// ErrFileNotFound is returned when a delta endpoint is missing on disk.
var ErrFileNotFound = errors.New("file not found")

// cancelCheckInterval is how many processed bytes pass between context checks
// while scanning the new file.
const cancelCheckInterval = 4 << 20

// Service computes bidirectional deltas and persists all artifacts through
// the content-addressable store.
type Service struct {
	cas *cas.Store
	fs  fsys.FS
	log *slog.Logger
	cfg config.EngineConfig
}

// NewService creates a diff service backed by store.
func NewService(store *cas.Store, fs fsys.FS, cfg config.EngineConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cas: store, fs: fs, log: logger, cfg: cfg}
}

// CreateBidirectional computes a forward (source→target) and reverse
// (target→source) delta for logicalPath. Both whole files are always stored
// in the CAS so any checkpoint can be restored from scratch. Returns nil when
// the two files have identical content.
func (s *Service) CreateBidirectional(ctx context.Context, sourcePath, targetPath, logicalPath string) (*model.FileDelta, error) {
	srcInfo, err := s.fs.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", sourcePath, ErrFileNotFound)
	}
	tgtInfo, err := s.fs.Stat(targetPath)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", targetPath, ErrFileNotFound)
	}

	sourceHash, err := s.cas.ComputeFileHash(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("hash source: %w", err)
	}
	targetHash, err := s.cas.ComputeFileHash(targetPath)
	if err != nil {
		return nil, fmt.Errorf("hash target: %w", err)
	}
	if sourceHash == targetHash {
		return nil, nil
	}

	sourceCas, err := s.cas.StoreFile(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}
	targetCas, err := s.cas.StoreFile(ctx, targetPath)
	if err != nil {
		return nil, fmt.Errorf("store target: %w", err)
	}

	d := &model.FileDelta{
		Path:          logicalPath,
		SourceHash:    sourceHash,
		TargetHash:    targetHash,
		SourceCasHash: sourceCas,
		TargetCasHash: targetCas,
		SourceSize:    srcInfo.Size(),
		TargetSize:    tgtInfo.Size(),
	}

	if tgtInfo.Size() < int64(s.cfg.MinDeltaSize) {
		d.Method = model.MethodFullCopy
		d.ForwardDeltaSize = d.TargetSize
		d.ReverseDeltaSize = d.SourceSize
		return d, nil
	}

	var forward, reverse []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		forward, err = s.buildDelta(gctx, sourcePath, targetPath)
		return err
	})
	g.Go(func() error {
		var err error
		reverse, err = s.buildDelta(gctx, targetPath, sourcePath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build delta for %q: %w", logicalPath, err)
	}

	fwdCas, err := s.cas.StoreBytes(ctx, forward)
	if err != nil {
		return nil, fmt.Errorf("store forward delta: %w", err)
	}
	revCas, err := s.cas.StoreBytes(ctx, reverse)
	if err != nil {
		return nil, fmt.Errorf("store reverse delta: %w", err)
	}

	d.Method = model.MethodDelta
	d.ForwardDeltaCasHash = fwdCas
	d.ReverseDeltaCasHash = revCas
	d.ForwardDeltaSize = int64(len(forward))
	d.ReverseDeltaSize = int64(len(reverse))

	s.log.Debug("delta built",
		"path", logicalPath,
		"target_size", d.TargetSize,
		"forward_bytes", d.ForwardDeltaSize,
		"reverse_bytes", d.ReverseDeltaSize)
	return d, nil
}

// buildDelta produces the serialized payload turning basis into the file at
// newPath.
func (s *Service) buildDelta(ctx context.Context, basisPath, newPath string) ([]byte, error) {
	basis, err := s.fs.Open(basisPath)
	if err != nil {
		return nil, fmt.Errorf("open basis %q: %w", basisPath, err)
	}
	sig, err := buildSignature(basis, s.cfg.SignatureBlockSize)
	basis.Close()
	if err != nil {
		return nil, err
	}

	nr, err := mmap.Open(newPath)
	if err != nil {
		return nil, fmt.Errorf("map %q: %w", newPath, err)
	}
	defer nr.Close()

	w, err := newPayloadWriter(zstd.EncoderLevelFromZstd(s.cfg.CompressionLevel), sig.basisLen, int64(nr.Len()))
	if err != nil {
		return nil, err
	}

	sum, err := emitOps(ctx, sig, nr, w)
	if err != nil {
		return nil, err
	}
	return w.finish(sum)
}

// emitOps scans new with a rolling window against sig, writing copy and
// insert records, and returns the xxh3-128 of the new file.
func emitOps(ctx context.Context, sig *signature, nr *mmap.ReaderAt, w *payloadWriter) ([16]byte, error) {
	n := nr.Len()
	bs := sig.blockSize
	h := xxh3.New()

	// flushThrough hashes and emits new[lit:end) as insert literals.
	buf := make([]byte, 0, bs)
	readRange := func(start, end int) ([]byte, error) {
		if cap(buf) < end-start {
			buf = make([]byte, end-start)
		}
		b := buf[:end-start]
		if _, err := nr.ReadAt(b, int64(start)); err != nil {
			return nil, err
		}
		return b, nil
	}

	lit := 0
	flushThrough := func(end int) error {
		for lit < end {
			chunk := end - lit
			if chunk > maxInsertChunk {
				chunk = maxInsertChunk
			}
			b, err := readRange(lit, lit+chunk)
			if err != nil {
				return err
			}
			h.Write(b)
			if err := w.writeInsert(b); err != nil {
				return err
			}
			lit += chunk
		}
		return nil
	}

	if n >= bs && len(sig.weak) > 0 {
		window := make([]byte, bs)
		if _, err := nr.ReadAt(window, 0); err != nil {
			return [16]byte{}, err
		}
		rs := newRollSum(bs)
		rs.init(window)

		i := 0
		sinceCheck := 0
		for i+bs <= n {
			if sinceCheck >= cancelCheckInterval {
				sinceCheck = 0
				if err := ctx.Err(); err != nil {
					return [16]byte{}, err
				}
			}

			if idx := sig.match(rs.sum(), window); idx >= 0 {
				if err := flushThrough(i); err != nil {
					return [16]byte{}, err
				}
				h.Write(window)
				if err := w.writeCopy(int64(idx)*int64(bs), int64(bs)); err != nil {
					return [16]byte{}, err
				}
				i += bs
				lit = i
				if i+bs > n {
					break
				}
				if _, err := nr.ReadAt(window, int64(i)); err != nil {
					return [16]byte{}, err
				}
				rs.init(window)
				sinceCheck += bs
				continue
			}

			if i+bs >= n {
				break
			}
			out := window[0]
			in := nr.At(i + bs)
			copy(window, window[1:])
			window[bs-1] = in
			rs.roll(out, in)
			i++
			sinceCheck++
		}
	}

	if err := flushThrough(n); err != nil {
		return [16]byte{}, err
	}
	return h.Sum128().Bytes(), nil
}

// ApplyForward reconstructs the target revision of d at outputPath.
func (s *Service) ApplyForward(ctx context.Context, d *model.FileDelta, outputPath string) error {
	if d.Method == model.MethodFullCopy {
		return s.cas.Retrieve(ctx, d.TargetCasHash, outputPath)
	}
	return s.apply(ctx, d.SourceCasHash, d.ForwardDeltaCasHash, outputPath)
}

// ApplyReverse reconstructs the source revision of d at outputPath.
func (s *Service) ApplyReverse(ctx context.Context, d *model.FileDelta, outputPath string) error {
	if d.Method == model.MethodFullCopy {
		return s.cas.Retrieve(ctx, d.SourceCasHash, outputPath)
	}
	return s.apply(ctx, d.TargetCasHash, d.ReverseDeltaCasHash, outputPath)
}

// apply replays a delta payload against its basis, writing the output to a
// temp file that is promoted only after length and checksum verify.
func (s *Service) apply(ctx context.Context, basisCas, payloadCas, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := s.cas.OpenRead(payloadCas)
	if err != nil {
		return fmt.Errorf("delta payload: %w", err)
	}
	defer payload.Close()

	pr, err := newPayloadReader(payload)
	if err != nil {
		return err
	}
	defer pr.Close()

	// The basis comes from the CAS, never from the live directory, so a
	// corrupted working file cannot poison a restore.
	basisTmp, err := os.CreateTemp("", "savepoint-basis-*")
	if err != nil {
		return fmt.Errorf("create basis temp: %w", err)
	}
	basisTmp.Close()
	defer os.Remove(basisTmp.Name())
	if err := s.cas.Retrieve(ctx, basisCas, basisTmp.Name()); err != nil {
		return fmt.Errorf("basis object: %w", err)
	}

	basis, err := mmap.Open(basisTmp.Name())
	if err != nil {
		return fmt.Errorf("map basis: %w", err)
	}
	defer basis.Close()
	if int64(basis.Len()) != pr.BasisLen {
		return fmt.Errorf("%w: basis length mismatch", ErrCorrupt)
	}

	dir := filepath.Dir(outputPath)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %q: %w", dir, err)
	}
	out, outPath, err := s.fs.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create output temp: %w", err)
	}
	defer s.fs.Remove(outPath)

	h := xxh3.New()
	var written int64
	copyBuf := make([]byte, 256*1024)

	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		o, err := pr.next()
		if err != nil {
			out.Close()
			return err
		}
		if o.code == opEnd {
			if written != pr.TargetLen {
				out.Close()
				return fmt.Errorf("%w: output length %d, want %d", ErrCorrupt, written, pr.TargetLen)
			}
			if h.Sum128().Bytes() != o.sum {
				out.Close()
				return fmt.Errorf("%w: output checksum mismatch", ErrCorrupt)
			}
			break
		}

		switch o.code {
		case opCopy:
			remaining := o.length
			off := o.offset
			for remaining > 0 {
				chunk := int64(len(copyBuf))
				if remaining < chunk {
					chunk = remaining
				}
				b := copyBuf[:chunk]
				if _, err := basis.ReadAt(b, off); err != nil {
					out.Close()
					return fmt.Errorf("%w: copy beyond basis", ErrCorrupt)
				}
				h.Write(b)
				if _, err := out.Write(b); err != nil {
					out.Close()
					return fmt.Errorf("write output: %w", err)
				}
				off += chunk
				remaining -= chunk
			}
			written += o.length
		case opInsert:
			h.Write(o.data)
			if _, err := out.Write(o.data); err != nil {
				out.Close()
				return fmt.Errorf("write output: %w", err)
			}
			written += o.length
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return s.fs.Rename(outPath, outputPath)
}
