package core

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"abobi.legal/advisor-service/internal/blob"
	"abobi.legal/advisor-service/internal/metrics"
	"abobi.legal/advisor-service/internal/session"
	"abobi.legal/advisor-service/internal/store"
	"abobi.legal/advisor-service/internal/streak"
	"abobi.legal/advisor-service/internal/wallet"
)

// ErrInvalidInput is returned before any I/O when a request fails validation.
var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultContextWindow    = 10
	DefaultMaxMessageLength = 4000
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 100
)

// IndexStore is the wallet to handles mapping the chat service commits to.
type IndexStore interface {
	Lookup(ctx context.Context, wallet string) (*store.IndexRow, error)
	Upsert(ctx context.Context, wallet string, history, profile *blob.Handle) error
}

type ChatConfig struct {
	ContextWindow    int
	MaxMessageLength int
	SystemPrompt     string
	Location         *time.Location
}

// ChatService runs one exchange per user message: load the session from the
// content store, call inference, then publish the new history and profile
// blobs and point the index at them.
type ChatService struct {
	index   IndexStore
	blobs   blob.Store
	llm     Inference
	cfg     ChatConfig
	log     *logrus.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// ChatReply is the result of PostMessage.
type ChatReply struct {
	Message       session.Turn `json:"message"`
	StreakUpdated bool         `json:"streakUpdated"`
}

// ProfileView is a profile together with its streak as of today.
// DisplayAddress is the EIP-55 checksummed form of the wallet.
type ProfileView struct {
	Profile        session.Profile `json:"profile"`
	Streak         streak.Data     `json:"streak"`
	DisplayAddress string          `json:"displayAddress"`
}

func NewChatService(index IndexStore, blobs blob.Store, llm Inference, cfg ChatConfig, log *logrus.Logger, m *metrics.Collector) *ChatService {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = AdvisorSystemPrompt
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &ChatService{
		index:   index,
		blobs:   blobs,
		llm:     llm,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (s *ChatService) today() string {
	return streak.Today(s.now(), s.cfg.Location)
}

// PostMessage handles one chat exchange for a wallet.
func (s *ChatService) PostMessage(ctx context.Context, rawWallet, message string) (*ChatReply, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		s.metrics.ChatRequests.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if n := utf8.RuneCountInString(message); n == 0 || n > s.cfg.MaxMessageLength {
		s.metrics.ChatRequests.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: message must be 1-%d characters, got %d", ErrInvalidInput, s.cfg.MaxMessageLength, n)
	}
	log := s.log.WithField("wallet", addr)
	userTS := s.now().UnixMilli()

	log.WithField("state", "loading_history").Debug("Chat exchange")
	row, err := s.index.Lookup(ctx, addr)
	if err != nil {
		s.metrics.ChatRequests.WithLabelValues("index_unavailable").Inc()
		log.WithError(err).Error("Failed to look up storage index")
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	var historyHandle, profileHandle *blob.Handle
	if row != nil {
		historyHandle, profileHandle = row.HistoryHandle, row.ProfileHandle
	}

	history, err := s.fetchHistory(ctx, historyHandle)
	if err != nil {
		// A read cut short by the caller says nothing about the stored
		// history; starting fresh here would orphan it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.ChatRequests.WithLabelValues("cancelled").Inc()
			log.WithError(err).WithField("state", "failed").Info("Request cancelled while loading history")
			return nil, fmt.Errorf("request cancelled while loading history: %w", ctxErr)
		}
		s.recordFallback(log, "history", historyHandle, err)
		history = []session.Turn{}
	}

	// The exchange runs to completion once inference starts, even if the
	// caller goes away; the inference timeout still bounds it.
	work := context.WithoutCancel(ctx)

	log.WithField("state", "calling_inference").Debug("Chat exchange")
	start := time.Now()
	reply, err := s.llm.Complete(work, s.cfg.SystemPrompt, lastTurns(history, s.cfg.ContextWindow), message)
	s.metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ChatRequests.WithLabelValues("inference_unavailable").Inc()
		log.WithError(err).WithField("state", "failed").Error("Inference call failed")
		if !errors.Is(err, ErrInferenceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrInferenceUnavailable, err)
		}
		return nil, err
	}

	assistantTS := s.now().UnixMilli()
	if assistantTS < userTS {
		assistantTS = userTS
	}
	userTurn := session.Turn{ID: uuid.NewString(), Role: session.RoleUser, Content: message, Timestamp: userTS}
	assistantTurn := session.Turn{ID: uuid.NewString(), Role: session.RoleAssistant, Content: reply, Timestamp: assistantTS}
	updatedHistory := make([]session.Turn, 0, len(history)+2)
	updatedHistory = append(updatedHistory, history...)
	updatedHistory = append(updatedHistory, userTurn, assistantTurn)

	profile, err := s.fetchProfile(work, addr, profileHandle)
	if err != nil {
		s.recordFallback(log, "profile", profileHandle, err)
		profile = streak.NewProfile(addr, s.now())
	}
	updatedProfile := streak.RecordMessage(profile, s.today())
	streakUpdated := updatedProfile.Streak != profile.Streak

	log.WithField("state", "persisting").Debug("Chat exchange")
	if err := s.publish(work, addr, updatedHistory, updatedProfile); err != nil {
		s.metrics.ChatRequests.WithLabelValues(failureOutcome(err)).Inc()
		log.WithError(err).WithField("state", "failed").Error("Failed to persist chat exchange")
		return nil, err
	}

	if streakUpdated {
		s.metrics.StreakUpdates.Inc()
	}
	s.metrics.ChatRequests.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"state":  "done",
		"turns":  len(updatedHistory),
		"streak": updatedProfile.Streak,
	}).Debug("Chat exchange")

	return &ChatReply{Message: assistantTurn, StreakUpdated: streakUpdated}, nil
}

// publish writes both blobs concurrently and commits them to the index only
// after both succeeded. A failed put leaves the index untouched.
func (s *ChatService) publish(ctx context.Context, addr string, history []session.Turn, profile session.Profile) error {
	historyBytes, err := session.EncodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	profileBytes, err := session.EncodeProfile(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	var historyHandle, profileHandle blob.Handle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.blobs.Put(gctx, historyBytes)
		if err != nil {
			return fmt.Errorf("failed to store history: %w", err)
		}
		historyHandle = h
		return nil
	})
	g.Go(func() error {
		h, err := s.blobs.Put(gctx, profileBytes)
		if err != nil {
			return fmt.Errorf("failed to store profile: %w", err)
		}
		profileHandle = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.index.Upsert(ctx, addr, &historyHandle, &profileHandle); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"wallet":         addr,
		"history_handle": historyHandle,
		"profile_handle": profileHandle,
	}).Debug("Session committed")
	return nil
}

// GetHistory returns the wallet's most recent limit turns, oldest first.
// Zero limit selects DefaultHistoryLimit.
func (s *ChatService) GetHistory(ctx context.Context, rawWallet string, limit int) ([]session.Turn, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be 1-%d", ErrInvalidInput, MaxHistoryLimit)
	}

	row, err := s.index.Lookup(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if row == nil || row.HistoryHandle == nil {
		return []session.Turn{}, nil
	}

	history, err := s.fetchHistory(ctx, row.HistoryHandle)
	if err != nil {
		if errors.Is(err, blob.ErrStoreUnavailable) {
			return nil, err
		}
		s.recordFallback(s.log.WithField("wallet", addr), "history", row.HistoryHandle, err)
		return []session.Turn{}, nil
	}
	return lastTurns(history, limit), nil
}

// GetProfile returns the stored profile, or a fresh one for a wallet that
// has none, with its streak snapshot.
func (s *ChatService) GetProfile(ctx context.Context, rawWallet string) (*ProfileView, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	_, profile, err := s.loadProfileStrict(ctx, addr)
	if err != nil {
		return nil, err
	}
	display, err := wallet.Checksum(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return &ProfileView{
		Profile:        profile,
		Streak:         streak.Snapshot(profile, s.today()),
		DisplayAddress: display,
	}, nil
}

// PatchProfile republishes the wallet's profile and points the index at the
// new blob, keeping the current history handle.
func (s *ChatService) PatchProfile(ctx context.Context, rawWallet string) (*session.Profile, error) {
	addr, err := wallet.Parse(rawWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	row, profile, err := s.loadProfileStrict(ctx, addr)
	if err != nil {
		return nil, err
	}

	data, err := session.EncodeProfile(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	h, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	var historyHandle *blob.Handle
	if row != nil {
		historyHandle = row.HistoryHandle
	}
	if err := s.index.Upsert(ctx, addr, historyHandle, &h); err != nil {
		return nil, fmt.Errorf("failed to commit profile: %w", err)
	}
	return &profile, nil
}

// loadProfileStrict falls back to a fresh profile for missing or corrupt
// data but surfaces an unreachable index or content store.
func (s *ChatService) loadProfileStrict(ctx context.Context, addr string) (*store.IndexRow, session.Profile, error) {
	row, err := s.index.Lookup(ctx, addr)
	if err != nil {
		return nil, session.Profile{}, fmt.Errorf("failed to look up session: %w", err)
	}
	if row == nil || row.ProfileHandle == nil {
		return row, streak.NewProfile(addr, s.now()), nil
	}

	profile, err := s.fetchProfile(ctx, addr, row.ProfileHandle)
	if err != nil {
		if errors.Is(err, blob.ErrStoreUnavailable) {
			return nil, session.Profile{}, err
		}
		s.recordFallback(s.log.WithField("wallet", addr), "profile", row.ProfileHandle, err)
		return row, streak.NewProfile(addr, s.now()), nil
	}
	return row, profile, nil
}

func (s *ChatService) fetchHistory(ctx context.Context, h *blob.Handle) ([]session.Turn, error) {
	if h == nil {
		return []session.Turn{}, nil
	}
	data, err := s.blobs.Get(ctx, *h)
	if err != nil {
		return nil, err
	}
	return session.DecodeHistory(data)
}

func (s *ChatService) fetchProfile(ctx context.Context, addr string, h *blob.Handle) (session.Profile, error) {
	if h == nil {
		return streak.NewProfile(addr, s.now()), nil
	}
	data, err := s.blobs.Get(ctx, *h)
	if err != nil {
		return session.Profile{}, err
	}
	p, err := session.DecodeProfile(data)
	if err != nil {
		return session.Profile{}, err
	}
	if p.WalletAddress != addr {
		return session.Profile{}, fmt.Errorf("%w: profile belongs to %s", session.ErrCorruptPayload, p.WalletAddress)
	}
	return p, nil
}

func (s *ChatService) recordFallback(log *logrus.Entry, kind string, h *blob.Handle, err error) {
	reason := "unavailable"
	switch {
	case errors.Is(err, blob.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, session.ErrCorruptPayload), errors.Is(err, blob.ErrCorrupt):
		reason = "corrupt"
	}
	s.metrics.Fallbacks.WithLabelValues(kind, reason).Inc()
	entry := log.WithError(err).WithField("kind", kind)
	if h != nil {
		entry = entry.WithField("handle", *h)
	}
	entry.Warn("Session data unreadable, starting fresh")
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, store.ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, blob.ErrWriteRejected):
		return "write_rejected"
	default:
		return "store_unavailable"
	}
}

// lastTurns returns the trailing n turns of history without copying.
func lastTurns(history []session.Turn, n int) []session.Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
