package pgpharmacy

import (
	"context"
	"net"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx), "ping")
}

// classify wraps a pgx error with msg and maps it onto the shared error kinds:
// unique violations become ErrConflict, timeouts and broken connections
// become ErrUnavailable.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(models.ErrConflict, "%s: %s", msg, pgErr.ConstraintName)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		pgconn.Timeout(err) ||
		errors.As(err, &connErr) ||
		errors.As(err, &netErr) {
		return errors.Wrapf(models.ErrUnavailable, "%s: %v", msg, err)
	}

	return errors.Wrap(err, msg)
}
