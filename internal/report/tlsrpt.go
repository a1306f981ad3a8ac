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

package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
)

// JSON structures per RFC 8460 Section 4.
type (
	tlsrptDateRange struct {
		Start time.Time `json:"start-datetime"`
		End   time.Time `json:"end-datetime"`
	}

	tlsrptPolicyDesc struct {
		Type   string   `json:"policy-type"`
		String []string `json:"policy-string,omitempty"`
		Domain string   `json:"policy-domain"`
	}

	tlsrptSummary struct {
		TotalSuccessful int `json:"total-successful-session-count"`
		TotalFailure    int `json:"total-failure-session-count"`
	}

	tlsrptFailureDetails struct {
		ResultType      string `json:"result-type"`
		ReceivingMXHost string `json:"receiving-mx-hostname,omitempty"`
		FailedCount     int    `json:"failed-session-count"`
	}

	tlsrptPolicyResult struct {
		Policy         tlsrptPolicyDesc       `json:"policy"`
		Summary        tlsrptSummary          `json:"summary"`
		FailureDetails []tlsrptFailureDetails `json:"failure-details,omitempty"`
	}

	tlsrptReport struct {
		OrganizationName string               `json:"organization-name"`
		DateRange        tlsrptDateRange      `json:"date-range"`
		ContactInfo      string               `json:"contact-info"`
		ReportID         string               `json:"report-id"`
		Policies         []tlsrptPolicyResult `json:"policies"`
	}
)

// TLSRpt is the report.tlsrpt module: it accumulates per-policy-domain TLS
// session outcomes recorded by the remote target and mails out daily JSON
// reports to the destinations published via the _smtp._tls TXT record.
type TLSRpt struct {
	instName string

	db       *sql.DB
	resolver dns.Resolver
	pipeline module.DeliveryTarget

	orgName     string
	contactInfo string
	fromAddr    string
	interval    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup

	Log log.Logger
}

func NewTLSRpt(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("report.tlsrpt: inline arguments are not used")
	}
	return &TLSRpt{
		instName: instName,
		resolver: dns.NewCachingResolver(dns.DefaultResolver()),
		stop:     make(chan struct{}),
		Log:      log.Logger{Name: "report.tlsrpt"},
	}, nil
}

func (r *TLSRpt) Name() string {
	return "report.tlsrpt"
}

func (r *TLSRpt) InstanceName() string {
	return r.instName
}

func (r *TLSRpt) Init(cfg *config.Map) error {
	var statePath string
	cfg.Bool("debug", true, false, &r.Log.Debug)
	cfg.String("state", false, false, filepath.Join(config.StateDirectory, "tlsrpt.db"), &statePath)
	cfg.String("org_name", true, true, "", &r.orgName)
	cfg.String("contact_info", false, false, "", &r.contactInfo)
	cfg.String("from", false, true, "", &r.fromAddr)
	cfg.Duration("interval", false, false, 24*time.Hour, &r.interval)
	cfg.Custom("deliver_to", false, true, nil, modconfig.DeliveryDirective, &r.pipeline)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	db, err := openDB(statePath)
	if err != nil {
		return fmt.Errorf("report.tlsrpt: %w", err)
	}
	r.db = db

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tls_results (
		day TEXT NOT NULL,
		policy_domain TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		result_type TEXT NOT NULL,
		mx TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, policy_domain, policy_type, result_type, mx)
	)`)
	if err != nil {
		return fmt.Errorf("report.tlsrpt: %w", err)
	}

	r.wg.Add(1)
	go r.reportLoop()

	return nil
}

func (r *TLSRpt) Close() error {
	close(r.stop)
	r.wg.Wait()
	return r.db.Close()
}

// RecordTLSResult implements module.TLSReportCollector. An empty
// resultType indicates a successful session.
func (r *TLSRpt) RecordTLSResult(policyDomain, policyType, resultType, mxHost string) {
	_, err := r.db.Exec(`INSERT INTO tls_results (day, policy_domain, policy_type, result_type, mx, count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (day, policy_domain, policy_type, result_type, mx)
		DO UPDATE SET count = count + 1`,
		dayStamp(time.Now()), policyDomain, policyType, resultType, mxHost)
	if err != nil {
		r.Log.Error("failed to record TLS result", err, "domain", policyDomain)
	}
}

func (r *TLSRpt) reportLoop() {
	defer r.wg.Done()

	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := r.SendReports(context.Background(), time.Now().Add(-r.interval)); err != nil {
				r.Log.Error("report generation failed", err)
			}
		case <-r.stop:
			return
		}
	}
}

// SendReports composes and submits reports for the day the passed time
// belongs to, removing the consumed counters.
func (r *TLSRpt) SendReports(ctx context.Context, day time.Time) error {
	stamp := dayStamp(day)

	rows, err := r.db.Query(`SELECT DISTINCT policy_domain FROM tls_results WHERE day = ?`, stamp)
	if err != nil {
		return err
	}
	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			rows.Close()
			return err
		}
		domains = append(domains, domain)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, domain := range domains {
		if err := r.sendDomainReport(ctx, stamp, domain, day); err != nil {
			r.Log.Error("failed to report for domain", err, "domain", domain)
			continue
		}
		if _, err := r.db.Exec(`DELETE FROM tls_results WHERE day = ? AND policy_domain = ?`, stamp, domain); err != nil {
			r.Log.Error("failed to clean consumed counters", err, "domain", domain)
		}
	}

	return nil
}

// ruaDestinations discovers the report destinations of the domain via its
// _smtp._tls TXT record (RFC 8460 Section 3).
func (r *TLSRpt) ruaDestinations(ctx context.Context, domain string) ([]string, error) {
	txts, err := r.resolver.LookupTXT(ctx, "_smtp._tls."+domain)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}

	for _, txt := range txts {
		if !strings.HasPrefix(txt, "v=TLSRPTv1") {
			continue
		}
		for _, part := range strings.Split(txt, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "rua=") {
				return mailtoTargets(strings.Split(strings.TrimPrefix(part, "rua="), ",")), nil
			}
		}
	}
	return nil, nil
}

func (r *TLSRpt) sendDomainReport(ctx context.Context, stamp, domain string, day time.Time) error {
	rcpts, err := r.ruaDestinations(ctx, domain)
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		r.Log.DebugMsg("no TLSRPT record or rua, skipping", "domain", domain)
		return nil
	}

	rows, err := r.db.Query(`SELECT policy_type, result_type, mx, count FROM tls_results
		WHERE day = ? AND policy_domain = ?`, stamp, domain)
	if err != nil {
		return err
	}
	defer rows.Close()

	policies := map[string]*tlsrptPolicyResult{}
	for rows.Next() {
		var (
			policyType, resultType, mx string
			count                      int
		)
		if err := rows.Scan(&policyType, &resultType, &mx, &count); err != nil {
			return err
		}

		policy, ok := policies[policyType]
		if !ok {
			policy = &tlsrptPolicyResult{
				Policy: tlsrptPolicyDesc{
					Type:   policyType,
					Domain: domain,
				},
			}
			policies[policyType] = policy
		}

		if resultType == "" {
			policy.Summary.TotalSuccessful += count
		} else {
			policy.Summary.TotalFailure += count
			policy.FailureDetails = append(policy.FailureDetails, tlsrptFailureDetails{
				ResultType:      resultType,
				ReceivingMXHost: mx,
				FailedCount:     count,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	reportID, err := module.GenerateMsgID()
	if err != nil {
		return err
	}

	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	report := tlsrptReport{
		OrganizationName: r.orgName,
		DateRange: tlsrptDateRange{
			Start: dayStart,
			End:   dayStart.Add(24*time.Hour - time.Second),
		},
		ContactInfo: r.contactInfo,
		ReportID:    stamp + "." + reportID + "@" + domain,
	}
	for _, policy := range policies {
		report.Policies = append(report.Policies, *policy)
	}

	rawJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}

	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	if _, err := gz.Write(rawJSON); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	filename := fmt.Sprintf("%s!%s!%d!%d.json.gz", r.orgName, domain,
		report.DateRange.Start.Unix(), report.DateRange.End.Unix())
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>",
		domain, r.orgName, report.ReportID)

	for _, rcpt := range rcpts {
		if err := submitReport(ctx, r.pipeline, r.Log, r.fromAddr, rcpt, subject,
			filename, `application/tlsrpt+gzip`, gzipped.Bytes()); err != nil {
			r.Log.Error("failed to submit TLS report", err, "rcpt", rcpt, "domain", domain)
		}
	}

	return nil
}

func init() {
	module.Register("report.tlsrpt", NewTLSRpt)
}
