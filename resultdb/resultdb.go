// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resultdb stores the outcomes of C2C link trainings, to track
// the margins of links over time.
//
// Each training attempt inserts one row per direction in the trainings
// table. The error column holds the error of the whole training, so a
// direction analyzed during a failed training is kept as history but is
// never returned by LastTrim:
//
//	CREATE TABLE trainings (
//	    datetime DATETIME,
//	    link     VARCHAR(64),
//	    dir      VARCHAR(8),
//	    trim     INT,
//	    eye      INT,
//	    phase    VARCHAR(16),
//	    anchor   INT,
//	    delays   VARCHAR(64),
//	    error    TEXT
//	);
package resultdb // import "github.com/go-lpc/c2c/resultdb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/c2c/link"
	"github.com/go-lpc/c2c/trim"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"

	now = time.Now
)

// ErrNoTraining is returned when no successful training was recorded.
var ErrNoTraining = errors.New("resultdb: no training recorded")

// DB records and retrieves the outcomes of link trainings.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the dbname database.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("resultdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("resultdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Record inserts the outcome of the training of the named link.
// A training that failed before any direction could be analyzed is
// recorded with an empty direction.
func (db *DB) Record(ctx context.Context, name string, train link.Training) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		tstamp = now().UTC()
		msg    = ""
	)
	if train.Err != nil {
		msg = train.Err.Error()
	}

	if len(train.Outcomes) == 0 {
		_, err := db.db.ExecContext(
			ctx, insertTraining,
			tstamp, name, "", trim.Max, 0, trim.NoPhase.String(), -1, "", msg,
		)
		if err != nil {
			return fmt.Errorf("resultdb: could not record training of %q: %w", name, err)
		}
		return nil
	}

	for _, o := range train.Outcomes {
		res := o.Result()
		_, err := db.db.ExecContext(
			ctx, insertTraining,
			tstamp, name, o.Dir.String(),
			res.Trim, res.EyeWidth, res.Phase.String(), res.Anchor,
			formatDelays(res.Delays), msg,
		)
		if err != nil {
			return fmt.Errorf("resultdb: could not record %v training of %q: %w", o.Dir, name, err)
		}
	}

	return nil
}

const insertTraining = `
INSERT INTO trainings (datetime, link, dir, trim, eye, phase, anchor, delays, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// LastTrim returns the most recent result of a successful training of the
// provided link, for the provided direction.
func (db *DB) LastTrim(ctx context.Context, name string, dir link.Direction) (trim.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		res   trim.Result
		found bool
	)
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT trim, eye, phase, anchor, delays FROM trainings
WHERE (
	link=? AND dir=? AND phase!=? AND error=?
)
ORDER BY datetime DESC LIMIT 1
`,
		name, dir.String(), trim.NoPhase.String(), "",
	)
	if err != nil {
		return res, fmt.Errorf("resultdb: could not query last %v trim of %q: %w", dir, name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			phase  string
			delays string
		)
		err = rows.Scan(&res.Trim, &res.EyeWidth, &phase, &res.Anchor, &delays)
		if err != nil {
			return res, fmt.Errorf("resultdb: could not get last %v trim of %q: %w", dir, name, err)
		}
		res.Phase, err = parsePhase(phase)
		if err != nil {
			return res, err
		}
		res.Delays, err = parseDelays(delays)
		if err != nil {
			return res, err
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("resultdb: could not scan db for last %v trim of %q: %w", dir, name, err)
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("resultdb: context error while retrieving last %v trim of %q: %w", dir, name, err)
	}

	if !found {
		return res, fmt.Errorf("resultdb: no %v trim for %q: %w", dir, name, ErrNoTraining)
	}

	return res, nil
}

func formatDelays(ds [trim.LaneCount]int) string {
	vs := make([]string, len(ds))
	for i, d := range ds {
		vs[i] = strconv.Itoa(d)
	}
	return strings.Join(vs, ",")
}

func parseDelays(s string) ([trim.LaneCount]int, error) {
	var ds [trim.LaneCount]int
	toks := strings.Split(s, ",")
	if len(toks) != len(ds) {
		return ds, fmt.Errorf("resultdb: invalid lane delays %q", s)
	}
	for i, tok := range toks {
		v, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return ds, fmt.Errorf("resultdb: could not parse lane delay %q: %w", tok, err)
		}
		ds[i] = v
	}
	return ds, nil
}

func parsePhase(s string) (trim.Phase, error) {
	for _, p := range []trim.Phase{trim.NoPhase, trim.Combined, trim.Skew} {
		if p.String() == s {
			return p, nil
		}
	}
	return trim.NoPhase, fmt.Errorf("resultdb: invalid phase %q", s)
}
