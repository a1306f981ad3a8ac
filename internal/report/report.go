/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package report implements accumulation and periodic submission of the
// machine-readable delivery telemetry: TLS-RPT (RFC 8460) and DMARC
// aggregate/failure reports (RFC 7489).
//
// Counters are persisted in a SQLite database so telemetry survives
// restarts; composed reports are handed to a regular delivery pipeline
// (usually ending up in the queue).
package report

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/buffer"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	_ "github.com/mattn/go-sqlite3"
)

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// submitReport composes a simple MIME message with a single gzipped
// attachment and sends it through the configured pipeline.
func submitReport(ctx context.Context, pipeline module.DeliveryTarget, l log.Logger,
	from, to, subject, filename, contentType string, attachment []byte) error {
	defer trace.StartRegion(ctx, "report/submit").End()

	id, err := module.GenerateMsgID()
	if err != nil {
		return err
	}
	_, fromDomain, _ := splitAddr(from)

	boundary := id[:24]

	var header textproto.Header
	header.Add("Date", time.Now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	header.Add("Message-Id", "<"+id+"@"+fromDomain+">")
	header.Add("From", "<"+from+">")
	header.Add("To", "<"+to+">")
	header.Add("Subject", subject)
	header.Add("MIME-Version", "1.0")
	header.Add("Content-Type", `multipart/mixed; boundary="`+boundary+`"`)

	var body strings.Builder
	body.WriteString("--" + boundary + "\r\n")
	body.WriteString("Content-Type: text/plain; charset=us-ascii\r\n\r\n")
	body.WriteString("This is an automatically generated report.\r\n\r\n")
	body.WriteString("--" + boundary + "\r\n")
	body.WriteString("Content-Type: " + contentType + "\r\n")
	body.WriteString("Content-Disposition: attachment; filename=\"" + filename + "\"\r\n")
	body.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	encoded := base64.StdEncoding.EncodeToString(attachment)
	for len(encoded) > 76 {
		body.WriteString(encoded[:76])
		body.WriteString("\r\n")
		encoded = encoded[76:]
	}
	body.WriteString(encoded)
	body.WriteString("\r\n--" + boundary + "--\r\n")

	msgMeta := &module.MsgMetadata{
		ID: id,
		// Reports are always low-priority traffic.
		Priority: module.PriorityLow,
	}

	delivery, err := pipeline.Start(ctx, msgMeta, from)
	if err != nil {
		return err
	}
	if err := delivery.AddRcpt(ctx, to); err != nil {
		delivery.Abort(ctx)
		return err
	}
	if err := delivery.Body(ctx, header, buffer.MemoryBuffer{Slice: []byte(body.String())}); err != nil {
		delivery.Abort(ctx)
		return err
	}
	if err := delivery.Commit(ctx); err != nil {
		return err
	}

	l.Msg("report submitted", "to", to, "subject", subject)
	return nil
}

func splitAddr(addr string) (mbox, domain string, err error) {
	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return addr, "", fmt.Errorf("report: malformed address")
	}
	return addr[:indx], addr[indx+1:], nil
}

// mailtoTargets extracts the mailto: destinations of a rua/ruf URI list.
func mailtoTargets(uris []string) []string {
	res := make([]string, 0, len(uris))
	for _, uri := range uris {
		if !strings.HasPrefix(uri, "mailto:") {
			// Only mailto destinations are supported, http reporting is
			// not implemented.
			continue
		}
		addr := strings.TrimPrefix(uri, "mailto:")
		if indx := strings.IndexByte(addr, '?'); indx != -1 {
			addr = addr[:indx]
		}
		if addr != "" {
			res = append(res, addr)
		}
	}
	return res
}

// dayStamp returns the UTC day the time belongs to, used as the
// aggregation interval key.
func dayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
