package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nhblend/services/lending/audit"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	headerReplay         = "Idempotent-Replay"
	maxIdempotencyKeyLen = 128
)

// Idempotency replays the stored response when a write request repeats an
// Idempotency-Key. Keys are scoped to the caller, method and path. Responses
// with a 5xx status are not stored so that the client may retry.
type Idempotency struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time
}

func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger, clock: time.Now}
}

func (m *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if m == nil || m.db == nil || key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}
		scoped := scopeKey(r, key)

		var record audit.IdempotencyKey
		err := m.db.WithContext(r.Context()).First(&record, "key = ?", scoped).Error
		switch {
		case err == nil:
			if record.Method != r.Method || record.Path != r.URL.Path {
				http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplay, "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			m.logger.Error("idempotency lookup failed", "error", err)
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		payload := audit.IdempotencyKey{
			Key:       scoped,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf.String(),
			CreatedAt: m.clock().UTC(),
		}
		if err := m.db.WithContext(r.Context()).Create(&payload).Error; err != nil {
			m.logger.Warn("idempotency record not stored", "error", err)
		}
	})
}

func scopeKey(r *http.Request, key string) string {
	caller := "anonymous"
	if p, ok := PrincipalFromContext(r.Context()); ok {
		caller = strings.ToLower(p.Address.Hex())
	}
	return caller + ":" + key
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
