// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLRegistry is a Registry backed by a MySQL "firmware_images" table
// (tag_revision CHAR(1), tag_adc_msps INT, tag_adc_bits INT, kind
// TINYINT, image LONGBLOB, plus the uploaded_at column Get orders by),
// so a site can manage firmware centrally
// instead of shipping image files with every crate deployment.
type SQLRegistry struct {
	db   *sql.DB
	name string
}

// OpenSQLRegistry opens a connection to the named MySQL database holding
// the firmware_images table.
func OpenSQLRegistry(dsn, dbname string) (*SQLRegistry, error) {
	return openSQLRegistry("mysql", dsn, dbname)
}

func openSQLRegistry(driverName, dsn, dbname string) (*SQLRegistry, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("firmware: could not open %q db: %w", dbname, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("firmware: could not ping %q db: %w", dbname, err)
	}

	return &SQLRegistry{db: db, name: dbname}, nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

// Get fetches the image bound to (tag, kind) from the firmware_images
// table.
func (r *SQLRegistry) Get(ctx context.Context, tag Tag, kind Kind) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `SELECT image FROM firmware_images
		WHERE tag_revision = ? AND tag_adc_msps = ? AND tag_adc_bits = ? AND kind = ?
		ORDER BY uploaded_at DESC LIMIT 1`

	var image []byte
	rows, err := r.db.QueryContext(ctx, q, string(tag.Revision), tag.AdcMSPS, tag.AdcBits, uint8(kind))
	if err != nil {
		return nil, fmt.Errorf("firmware: could not query image for %v/%v: %w", tag, kind, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		if err := rows.Scan(&image); err != nil {
			return nil, fmt.Errorf("firmware: could not scan image for %v/%v: %w", tag, kind, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("firmware: error iterating image rows for %v/%v: %w", tag, kind, err)
	}
	if !found {
		return nil, fmt.Errorf("firmware: no image bound for %v/%v", tag, kind)
	}
	return image, nil
}

// LoadInto pulls every (tag, kind) pair referenced by tags from the
// database and populates an in-memory Registry, so the hot path (Module
// boot) never blocks on a database round-trip.
func (r *SQLRegistry) LoadInto(ctx context.Context, reg *Registry, tags []Tag) error {
	for _, tag := range tags {
		for _, kind := range []Kind{KindComms, KindFippi, KindDSP, KindVar} {
			img, err := r.Get(ctx, tag, kind)
			if err != nil {
				return err
			}
			reg.Set(tag, kind, img)
		}
	}
	return nil
}
