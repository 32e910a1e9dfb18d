package app

import (
	"context"
	"log"
	"time"

	"almanac/api/internal/auth"
	"almanac/api/internal/authpw"
	"almanac/api/internal/config"
	"almanac/api/internal/email"
	"almanac/api/internal/notify"
	"almanac/api/internal/search"
	"almanac/api/internal/store"
	"almanac/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	AccountID    string
	Email        string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the non-transactional storage surface the service depends on.
// Account-scoped mutations go through InAccountTx instead.
type dataStore interface {
	GetAccountByID(context.Context, string) (store.Account, error)
	GetAccountByEmail(context.Context, string) (store.Account, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InAccountTx(ctx context.Context, accountID string, fn func(tx store.Tx) error) error

	ListDevices(ctx context.Context, accountID string) ([]store.Device, error)
	PullQueue(ctx context.Context, accountID, deviceID string, limit int) ([]store.QueueEntry, error)
	QueueEntriesSince(ctx context.Context, accountID, deviceID string, since time.Time, limit int) ([]store.QueueEntry, error)
	MarkQueueProcessed(ctx context.Context, accountID, deviceID string, entryIDs []string) (int, error)
	ListConflicts(ctx context.Context, accountID, status string) ([]store.Conflict, error)
	CleanupInactiveDevices(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	CleanupQueue(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when configured, Postgres
// otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, accountID, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Account, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// wakePublisher is the optional fast-path notification channel.
type wakePublisher interface {
	WakeDevices(ctx context.Context, accountID string, deviceIDs []string) error
}

// documentSearcher runs full-text queries over synced documents.
type documentSearcher interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	mailer   *email.Service
	notifier wakePublisher
	searcher documentSearcher
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		authpw:   authpw.NewService(dataStore, cfg.JWTSecret),
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	svc := New(cfg, dataStore)
	svc.sessions = sessions
	return svc
}

// SetMailer enables outbound notification emails.
func (s *Service) SetMailer(mailer *email.Service) {
	s.mailer = mailer
}

// SetNotifier enables pub/sub wake hints on fan-out.
func (s *Service) SetNotifier(notifier *notify.Publisher) {
	s.notifier = notifier
}

// SetSearcher enables full-text document search.
func (s *Service) SetSearcher(searcher *search.Service) {
	s.searcher = searcher
}

// SearchDocuments runs a full-text query over the account's live documents.
func (s *Service) SearchDocuments(ctx context.Context, session Session, query search.Query) (*search.Response, error) {
	if s.searcher == nil {
		return nil, errInternal("Search is not available")
	}
	query.AccountID = session.AccountID
	return s.searcher.Search(ctx, query)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession issues a fresh access/refresh token pair for an account.
func (s *Service) CreateSession(ctx context.Context, accountID string) (Session, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	account, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   account.ID,
		Email: account.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), account.ID, account.Email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AccountID:    account.ID,
		Email:        account.Email,
		DisplayName:  account.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		AccountID: claims.Sub,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// wake publishes a best-effort hint. Failures are logged and swallowed so
// the durable queue remains authoritative.
func (s *Service) wake(ctx context.Context, accountID string, deviceIDs []string) {
	if s.notifier == nil || len(deviceIDs) == 0 {
		return
	}
	if err := s.notifier.WakeDevices(ctx, accountID, deviceIDs); err != nil {
		log.Printf(`{"event":"wake_publish_failed","account_id":%q,"error":%q}`, accountID, err.Error())
	}
}
