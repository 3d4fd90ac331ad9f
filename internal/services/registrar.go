// Package services implements higher-level business logic that coordinates across
// multiple repositories and external systems. The scan registrar, for example,
// orchestrates validating an uploaded scan, decoding its QR code, archiving the
// bytes in the configured storage backend, and binding the code to the new
// document record — a multi-step operation that spans several domain boundaries.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/scan"
	"github.com/sello-registry/sello/internal/storage"
	"github.com/sello-registry/sello/internal/validation"
	"github.com/sello-registry/sello/pkg/checksum"
)

var (
	// ErrUnknownDocumentType means the request named a document type that does
	// not exist.
	ErrUnknownDocumentType = errors.New("unknown document type")

	// ErrNoCode means the scan carried no readable code but the document type
	// requires one.
	ErrNoCode = errors.New("no readable code found in scan")

	// ErrAmbiguousScan means the scan decoded more than one distinct code, so
	// there is no single code to bind. The caller must re-scan one page at a
	// time or use Extract to inspect the candidates.
	ErrAmbiguousScan = errors.New("scan contains multiple distinct codes")
)

// ScanRequest carries one uploaded scan file through the intake pipeline.
type ScanRequest struct {
	Data           []byte
	ContentType    string
	Filename       string
	DocumentTypeID string // Register only; Extract ignores it
	Actor          string
	IPAddress      string
}

// ExtractResult is the outcome of a decode-only call.
type ExtractResult struct {
	Candidates []scan.Candidate `json:"candidates"`
	Checksum   string           `json:"checksum"`
}

// RegisterResult is the outcome of a full intake: the archived document and,
// unless the document type allows codeless registration, the consumed code.
type RegisterResult struct {
	Document   *models.Document
	Code       *models.QRCode // nil when the scan carried no code
	Candidates int
	Outcome    string // "bound" or "registered_without_code"
}

// Registrar orchestrates scan intake: upload validation, QR extraction, archive
// storage, and the exactly-once code→document binding. Every invocation leaves
// a scan event row behind, success or not.
type Registrar struct {
	extractor     *scan.Extractor
	validator     *validation.Service
	manager       *lifecycle.Manager
	docRepo       *repositories.DocumentRepository
	docTypeRepo   *repositories.DocumentTypeRepository
	eventRepo     *repositories.ScanEventRepository
	archive       storage.Storage
	fileTimeout   time.Duration
	maxUploadSize int64
}

// NewRegistrar creates a new scan registrar. fileTimeout bounds a single
// file's extraction; maxUploadSize <= 0 selects the validation default.
func NewRegistrar(
	extractor *scan.Extractor,
	validator *validation.Service,
	manager *lifecycle.Manager,
	docRepo *repositories.DocumentRepository,
	docTypeRepo *repositories.DocumentTypeRepository,
	eventRepo *repositories.ScanEventRepository,
	archive storage.Storage,
	fileTimeout time.Duration,
	maxUploadSize int64,
) *Registrar {
	if fileTimeout <= 0 {
		fileTimeout = 20 * time.Second
	}
	return &Registrar{
		extractor:     extractor,
		validator:     validator,
		manager:       manager,
		docRepo:       docRepo,
		docTypeRepo:   docTypeRepo,
		eventRepo:     eventRepo,
		archive:       archive,
		fileTimeout:   fileTimeout,
		maxUploadSize: maxUploadSize,
	}
}

// Extract decodes every QR symbol in the upload without touching any state.
// An empty candidate list with a nil error means the file is readable but
// carries no code.
func (r *Registrar) Extract(ctx context.Context, req *ScanRequest) (*ExtractResult, error) {
	if err := validation.ValidateUpload(req.Data, req.ContentType, r.maxUploadSize); err != nil {
		return nil, err
	}

	sum := checksum.SumBytes(req.Data)

	candidates, err := r.decode(ctx, req)
	if err != nil {
		r.recordEvent(ctx, req, "scan.extract", "decode_failed", sum, nil, nil, 0)
		return nil, err
	}

	outcome := "decoded"
	var code *string
	if len(candidates) == 0 {
		outcome = "no_code"
	} else {
		code = &candidates[0].Payload
	}
	r.recordEvent(ctx, req, "scan.extract", outcome, sum, code, nil, len(candidates))

	return &ExtractResult{Candidates: candidates, Checksum: sum}, nil
}

// Register runs the full intake: extract, validate, archive, bind. Exactly one
// of N concurrent registrations of the same code succeeds; the losers receive
// the lifecycle sentinel matching the code's real state (usually
// lifecycle.ErrAlreadyUsed). A scan whose document type does not require a
// code may register without one.
func (r *Registrar) Register(ctx context.Context, req *ScanRequest) (*RegisterResult, error) {
	if err := validation.ValidateUpload(req.Data, req.ContentType, r.maxUploadSize); err != nil {
		return nil, err
	}

	docType, err := r.docTypeRepo.GetByID(ctx, req.DocumentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}
	if docType == nil {
		return nil, ErrUnknownDocumentType
	}

	sum := checksum.SumBytes(req.Data)

	candidates, err := r.decode(ctx, req)
	if err != nil {
		r.recordEvent(ctx, req, "scan.register", "decode_failed", sum, nil, nil, 0)
		return nil, err
	}

	if len(candidates) == 0 {
		if docType.RequiresQR {
			r.recordEvent(ctx, req, "scan.register", "no_code", sum, nil, nil, 0)
			return nil, ErrNoCode
		}
		return r.registerWithoutCode(ctx, req, sum)
	}

	// Exactly one distinct payload may bind. The same code decoded from
	// several pages is fine; two different codes in one upload is ambiguous
	// and must not silently bind whichever decoded with more confidence.
	if n := distinctPayloads(candidates); n > 1 {
		r.recordEvent(ctx, req, "scan.register", "ambiguous", sum, nil, nil, len(candidates))
		return nil, ErrAmbiguousScan
	}
	best := bestCandidate(candidates)

	// Validate before creating any rows so bad codes never cost an archive
	// write. The validator counts the attempt either way.
	verdict, err := r.validator.Validate(ctx, best.Payload)
	if err != nil {
		r.recordEvent(ctx, req, "scan.register", outcomeForError(err), sum, &best.Payload, nil, len(candidates))
		return nil, err
	}
	if conflictErr := conflictFromVerdict(verdict); conflictErr != nil {
		r.recordEvent(ctx, req, "scan.register", outcomeForError(conflictErr), sum, &best.Payload, nil, len(candidates))
		return nil, conflictErr
	}

	doc := r.newDocument(req, sum)

	if err := r.archiveScan(ctx, req, doc); err != nil {
		return nil, err
	}
	if err := r.docRepo.Create(ctx, doc); err != nil {
		r.cleanupArchive(doc.ArchiveKey)
		return nil, fmt.Errorf("create document record: %w", err)
	}

	qr, err := r.manager.BindToDocument(ctx, best.Payload, doc.ID, req.Actor)
	if err != nil {
		// Losing the bind race must not leave an orphaned unbound document or
		// archive object behind.
		r.cleanupDocument(doc)
		r.recordEvent(ctx, req, "scan.register", outcomeForError(err), sum, &best.Payload, nil, len(candidates))
		return nil, err
	}
	doc.QRCodeID = &qr.ID

	r.recordEvent(ctx, req, "scan.register", "bound", sum, &best.Payload, &doc.ID, len(candidates))

	return &RegisterResult{
		Document:   doc,
		Code:       qr,
		Candidates: len(candidates),
		Outcome:    "bound",
	}, nil
}

// registerWithoutCode archives a codeless scan for a document type that
// permits it.
func (r *Registrar) registerWithoutCode(ctx context.Context, req *ScanRequest, sum string) (*RegisterResult, error) {
	doc := r.newDocument(req, sum)

	if err := r.archiveScan(ctx, req, doc); err != nil {
		return nil, err
	}
	if err := r.docRepo.Create(ctx, doc); err != nil {
		r.cleanupArchive(doc.ArchiveKey)
		return nil, fmt.Errorf("create document record: %w", err)
	}

	r.recordEvent(ctx, req, "scan.register", "registered_without_code", sum, nil, &doc.ID, 0)

	return &RegisterResult{
		Document: doc,
		Outcome:  "registered_without_code",
	}, nil
}

// newDocument builds the document record for an intake. The id is minted here
// rather than by the repository so the archive key can be derived from it
// before anything is written.
func (r *Registrar) newDocument(req *ScanRequest, sum string) *models.Document {
	doc := &models.Document{
		ID:             uuid.New().String(),
		DocumentTypeID: req.DocumentTypeID,
		Checksum:       sum,
		ContentType:    req.ContentType,
		SizeBytes:      int64(len(req.Data)),
	}
	doc.ArchiveKey = archiveKey(doc, req.Filename)
	if req.Actor != "" {
		doc.CreatedBy = &req.Actor
	}
	return doc
}

// archiveScan writes the scan bytes to the archive backend under the
// document's key. The key is a pure function of the document, so a retried
// intake overwrites its own object instead of leaking a duplicate.
func (r *Registrar) archiveScan(ctx context.Context, req *ScanRequest, doc *models.Document) error {
	_, err := r.archive.Put(ctx, doc.ArchiveKey, bytes.NewReader(req.Data), doc.SizeBytes, storage.PutOptions{
		ContentType: req.ContentType,
		SHA256:      doc.Checksum,
		Filename:    req.Filename,
		ArchivedBy:  req.Actor,
	})
	if err != nil {
		return fmt.Errorf("archive scan: %w", err)
	}
	return nil
}

// decode runs the extractor under the per-file timeout.
func (r *Registrar) decode(ctx context.Context, req *ScanRequest) ([]scan.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fileTimeout)
	defer cancel()
	return r.extractor.Extract(ctx, req.Data, req.ContentType)
}

// recordEvent persists the scan event row. Best effort: intake outcomes are
// already decided, a failed event write only gets logged.
func (r *Registrar) recordEvent(ctx context.Context, req *ScanRequest, action, outcome, sum string, code, documentID *string, candidateCount int) {
	if r.eventRepo == nil {
		return
	}

	ev := &models.ScanEvent{
		Code:           code,
		DocumentID:     documentID,
		Action:         action,
		Outcome:        outcome,
		FileChecksum:   &sum,
		CandidateCount: candidateCount,
	}
	if req.ContentType != "" {
		mime := req.ContentType
		ev.MimeType = &mime
	}
	if req.Actor != "" {
		actor := req.Actor
		ev.ActorID = &actor
	}
	if req.IPAddress != "" {
		ip := req.IPAddress
		ev.IPAddress = &ip
	}
	if req.Filename != "" {
		ev.Metadata = map[string]interface{}{"filename": req.Filename}
	}

	if err := r.eventRepo.CreateScanEvent(ctx, ev); err != nil {
		slog.Warn("failed to record scan event", "action", action, "outcome", outcome, "error", err)
	}
}

// cleanupDocument removes the unbound document row and its archive object
// after a lost bind race. Both deletes are best effort.
func (r *Registrar) cleanupDocument(doc *models.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.docRepo.Delete(ctx, doc.ID); err != nil {
		slog.Warn("failed to delete unbound document after bind conflict",
			"document_id", doc.ID, "error", err)
	}
	if err := r.archive.Delete(ctx, doc.ArchiveKey); err != nil {
		slog.Warn("failed to delete archive object after bind conflict",
			"key", doc.ArchiveKey, "error", err)
	}
}

func (r *Registrar) cleanupArchive(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.archive.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete archive object after failed intake", "key", key, "error", err)
	}
}

// distinctPayloads counts the different code payloads among the candidates.
func distinctPayloads(candidates []scan.Candidate) int {
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c.Payload] = struct{}{}
	}
	return len(seen)
}

// bestCandidate returns the highest-confidence candidate; the extractor's
// page/payload ordering breaks ties.
func bestCandidate(candidates []scan.Candidate) scan.Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

// conflictFromVerdict maps an invalid validation result onto the lifecycle
// sentinel a register caller expects. A valid-but-used code is the duplicate
// scan case.
func conflictFromVerdict(v *validation.Result) error {
	switch v.EffectiveState {
	case models.StatusUsed:
		return lifecycle.ErrAlreadyUsed
	case models.StatusExpired:
		return lifecycle.ErrExpired
	case models.StatusRevoked:
		return lifecycle.ErrRevoked
	case models.StatusGenerated:
		return lifecycle.ErrNotActive
	}
	return nil
}

// outcomeForError names the scan event outcome for a failed intake.
func outcomeForError(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownCode):
		return "unknown_code"
	case errors.Is(err, lifecycle.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, lifecycle.ErrExpired):
		return "expired"
	case errors.Is(err, lifecycle.ErrRevoked):
		return "revoked"
	case errors.Is(err, lifecycle.ErrNotActive):
		return "not_active"
	default:
		return "error"
	}
}

// archiveKey builds the storage object key for an archived scan. Keys are
// derived from the document id and partitioned by document type, so repeating
// an intake for the same document overwrites its own archive object.
func archiveKey(doc *models.Document, filename string) string {
	return fmt.Sprintf("scans/%s/%s%s",
		doc.DocumentTypeID, doc.ID, extFor(filename, doc.ContentType))
}

func extFor(filename, contentType string) string {
	if ext := path.Ext(filename); ext != "" {
		return ext
	}
	switch contentType {
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/tiff":
		return ".tif"
	case "image/bmp":
		return ".bmp"
	}
	return ""
}
