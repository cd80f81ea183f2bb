package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/model"
)

const (
	bucketSession  = "session"
	bucketProgress = "progress"
	bucketMarkers  = "markers"
	bucketHistory  = "history"

	// sessionKey is the single well-known slot: only one scan may be active.
	sessionKey = "current"
)

// DefaultRetention is how long a persisted session stays resumable.
const DefaultRetention = 2 * time.Hour

var ErrBucketNotFound = errors.New("bucket not found")

// LoadOutcome tells the caller what Load found in the session slot.
type LoadOutcome int

const (
	LoadEmpty LoadOutcome = iota
	LoadResumable
	LoadExpired
	LoadCorrupt
	// LoadTerminal means a finished session was found and deleted; the
	// caller must reset to idle instead of replaying it.
	LoadTerminal
)

func (o LoadOutcome) String() string {
	switch o {
	case LoadResumable:
		return "resumable"
	case LoadExpired:
		return "expired"
	case LoadCorrupt:
		return "corrupt"
	case LoadTerminal:
		return "terminal"
	}
	return "empty"
}

type sessionEnvelope struct {
	Session *model.ScanSession `json:"session"`
	SavedAt time.Time          `json:"saved_at"`
}

type Storage struct {
	db        *bbolt.DB
	clock     clock.Clock
	retention time.Duration
}

type Option func(*Storage)

func WithClock(c clock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

func WithRetention(d time.Duration) Option {
	return func(s *Storage) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewStorage(dbPath string, opts ...Option) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSession, bucketProgress, bucketMarkers, bucketHistory} {
			if _, e := tx.CreateBucketIfNotExists([]byte(name)); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	s := &Storage{db: db, clock: clock.SystemClock{}, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, errors.Wrap(ErrBucketNotFound, name)
	}
	return b, nil
}

// SaveSession overwrites the single session slot.
func (s *Storage) SaveSession(sess *model.ScanSession) error {
	data, err := json.Marshal(sessionEnvelope{Session: sess, SavedAt: s.clock.Now()})
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionKey), data)
	})
}

// LoadSession returns the persisted session only when it can be resumed.
// Expired, corrupt and finished entries are deleted as a side effect.
func (s *Storage) LoadSession() (*model.ScanSession, LoadOutcome, error) {
	var (
		out     *model.ScanSession
		outcome = LoadEmpty
	)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		v := b.Get([]byte(sessionKey))
		if v == nil {
			return nil
		}

		var env sessionEnvelope
		if err := json.Unmarshal(v, &env); err != nil || env.Session == nil {
			outcome = LoadCorrupt
			return b.Delete([]byte(sessionKey))
		}

		switch {
		case s.clock.Now().Sub(env.SavedAt) > s.retention:
			outcome = LoadExpired
		case env.Session.Finished():
			outcome = LoadTerminal
		default:
			out = env.Session
			outcome = LoadResumable
			return nil
		}
		return b.Delete([]byte(sessionKey))
	})
	if err != nil {
		return nil, LoadEmpty, err
	}
	return out, outcome, nil
}

func (s *Storage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		return b.Delete([]byte(sessionKey))
	})
}

// currentSessionID reads the slot without any policy applied.
func currentSessionID(tx *bbolt.Tx) string {
	b := tx.Bucket([]byte(bucketSession))
	if b == nil {
		return ""
	}
	v := b.Get([]byte(sessionKey))
	if v == nil {
		return ""
	}
	var env sessionEnvelope
	if err := json.Unmarshal(v, &env); err != nil || env.Session == nil {
		return ""
	}
	return env.Session.ID
}

// PurgeStale removes markers and progress records that belong to a previous
// scan, plus any that are older than maxAge. The canonical session slot is
// never touched here.
func (s *Storage) PurgeStale(maxAge time.Duration) (int, error) {
	now := s.clock.Now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		current := currentSessionID(tx)

		markers, err := bucket(tx, bucketMarkers)
		if err != nil {
			return err
		}
		var stale [][]byte
		err = markers.ForEach(func(k, v []byte) error {
			var at time.Time
			if e := at.UnmarshalText(v); e != nil || now.Sub(at) > maxAge || markerSession(string(k)) != current || current == "" {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		progress, err := bucket(tx, bucketProgress)
		if err != nil {
			return err
		}
		var staleProgress [][]byte
		err = progress.ForEach(func(k, v []byte) error {
			if string(k) != current {
				staleProgress = append(staleProgress, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := markers.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range staleProgress {
			if err := progress.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale) + len(staleProgress)
		return nil
	})
	return removed, err
}

// MarkerKey builds a marker key scoped to a session, e.g. "started:<id>".
func MarkerKey(kind, sessionID string) string {
	return kind + ":" + sessionID
}

func markerSession(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return ""
}

// PutMarker records a timing marker for a session.
func (s *Storage) PutMarker(key string) error {
	at, err := s.clock.Now().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMarkers)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), at)
	})
}

func (s *Storage) Marker(key string) (time.Time, bool, error) {
	var (
		at time.Time
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMarkers)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		return at.UnmarshalText(v)
	})
	return at, ok, err
}

func (s *Storage) SaveProgress(gp model.GlobalProgress) error {
	data, err := json.Marshal(gp)
	if err != nil {
		return errors.Wrap(err, "marshal progress")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketProgress)
		if err != nil {
			return err
		}
		return b.Put([]byte(gp.SessionID), data)
	})
}

func (s *Storage) LoadProgress(sessionID string) (*model.GlobalProgress, bool, error) {
	var (
		gp *model.GlobalProgress
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketProgress)
		if err != nil {
			return err
		}
		v := b.Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		var rec model.GlobalProgress
		if err := json.Unmarshal(v, &rec); err != nil {
			return errors.Wrapf(err, "decode progress %s", sessionID)
		}
		gp = &rec
		ok = true
		return nil
	})
	return gp, ok, err
}

func (s *Storage) DeleteProgress(sessionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketProgress)
		if err != nil {
			return err
		}
		return b.Delete([]byte(sessionID))
	})
}

func (s *Storage) AddScanRun(run *model.ScanRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistory)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *Storage) ListScanRuns(limit int) ([]model.ScanRun, error) {
	out := []model.ScanRun{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketHistory)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var r model.ScanRun
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) GetStats() (Stats, error) {
	runs, err := s.ListScanRuns(0)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, r := range runs {
		st.add(r)
	}
	return st, nil
}
