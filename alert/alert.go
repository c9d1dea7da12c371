// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert notifies an operator by email of crate-level events
// worth paging someone over: a module going offline, a boot or AFE
// calibration failure, or a FIFO pump dropping buffers to compaction.
// It uses gopkg.in/gomail.v2 the way _examples/go-lpc-mim's cmd/eda-ctl
// command's alertMail does.
package alert

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync"

	mail "gopkg.in/gomail.v2"
)

// maxAlertsPerKind caps how many emails a single (kind, key) pair can trigger
// before Mailer starts silently dropping it, the way eda-ctl's
// alertMail stopped re-mailing after maxAlerts for the same file.
const maxAlertsPerKind = 5

// Dialer is the subset of *gomail.Dialer Mailer needs, so tests can
// substitute a fake that doesn't touch the network.
type Dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer sends operator alert emails for crate events.
type Mailer struct {
	mu     sync.Mutex
	from   string
	to     []string
	dialer Dialer
	log    *log.Logger
	counts map[string]int
}

// NewMailer builds a Mailer that dials host:port with user/pass,
// skipping TLS certificate verification the way eda-ctl's dialer does
// (most crate hosts relay through a local MTA with a self-signed cert).
func NewMailer(host string, port int, user, pass, from string, to []string, logger *log.Logger) *Mailer {
	if logger == nil {
		logger = log.Default()
	}
	dialer := mail.NewDialer(host, port, user, pass)
	dialer.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	return &Mailer{
		from:   from,
		to:     to,
		dialer: dialer,
		log:    logger,
		counts: make(map[string]int),
	}
}

// Kind identifies the class of event being alerted on, used both as the
// rate-limit key and in the subject line.
type Kind string

const (
	KindModuleOffline Kind = "module_offline"
	KindBootFailure    Kind = "boot_failure"
	KindAFEFailure      Kind = "afe_calibration_failure"
	KindFIFOOverflow    Kind = "fifo_overflow"
)

// Notify sends an alert email for kind/subject, identified by key for
// rate-limiting purposes (e.g. "module 2" so repeated alerts about the
// same module count against the same limit). Once that key has already
// alerted maxAlertsPerKind times, further alerts for it are dropped
// without sending or logging. Below that limit, a mailer with no
// configured destination logs the alert instead of sending it.
func (m *Mailer) Notify(kind Kind, key, body string) {
	m.mu.Lock()
	rateKey := string(kind) + ":" + key
	m.counts[rateKey]++
	count := m.counts[rateKey]
	m.mu.Unlock()

	if count > maxAlertsPerKind {
		return
	}

	if len(m.to) == 0 || m.from == "" {
		m.log.Printf("alert: %s %s: %s (no mail destination configured)", kind, key, body)
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("Bcc", m.to...)
	msg.SetHeader("Subject", fmt.Sprintf("[pixie16] %s: %s", kind, key))
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		m.log.Printf("alert: could not send mail for %s %s: %+v", kind, key, err)
	}
}
