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
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/ferrum/framework/config"
	modconfig "github.com/foxcpp/ferrum/framework/config/module"
	"github.com/foxcpp/ferrum/framework/dns"
	"github.com/foxcpp/ferrum/framework/log"
	"github.com/foxcpp/ferrum/framework/module"
	ferrumdmarc "github.com/foxcpp/ferrum/internal/dmarc"
	"github.com/foxcpp/ferrum/internal/limits/limiters"
)

// XML structures per RFC 7489 Section 7.2 (Appendix C schema).
type (
	dmarcReportMetadata struct {
		OrgName          string         `xml:"org_name"`
		Email            string         `xml:"email"`
		ExtraContactInfo string         `xml:"extra_contact_info,omitempty"`
		ReportID         string         `xml:"report_id"`
		DateRange        dmarcDateRange `xml:"date_range"`
	}

	dmarcDateRange struct {
		Begin int64 `xml:"begin"`
		End   int64 `xml:"end"`
	}

	dmarcPolicyPublished struct {
		Domain string `xml:"domain"`
		ADKIM  string `xml:"adkim,omitempty"`
		ASPF   string `xml:"aspf,omitempty"`
		P      string `xml:"p"`
		SP     string `xml:"sp,omitempty"`
		Pct    int    `xml:"pct"`
	}

	dmarcPolicyEvaluated struct {
		Disposition string `xml:"disposition"`
		DKIM        string `xml:"dkim"`
		SPF         string `xml:"spf"`
	}

	dmarcRow struct {
		SourceIP        string               `xml:"source_ip"`
		Count           int                  `xml:"count"`
		PolicyEvaluated dmarcPolicyEvaluated `xml:"policy_evaluated"`
	}

	dmarcDKIMAuthResult struct {
		Domain string `xml:"domain"`
		Result string `xml:"result"`
	}

	dmarcSPFAuthResult struct {
		Domain string `xml:"domain"`
		Result string `xml:"result"`
	}

	dmarcAuthResults struct {
		DKIM *dmarcDKIMAuthResult `xml:"dkim,omitempty"`
		SPF  *dmarcSPFAuthResult  `xml:"spf,omitempty"`
	}

	dmarcRecord struct {
		Row         dmarcRow         `xml:"row"`
		Identifiers dmarcIdentifiers `xml:"identifiers"`
		AuthResults dmarcAuthResults `xml:"auth_results"`
	}

	dmarcIdentifiers struct {
		HeaderFrom string `xml:"header_from"`
	}

	dmarcFeedback struct {
		XMLName         xml.Name             `xml:"feedback"`
		ReportMetadata  dmarcReportMetadata  `xml:"report_metadata"`
		PolicyPublished dmarcPolicyPublished `xml:"policy_published"`
		Records         []dmarcRecord        `xml:"record"`
	}
)

// DMARCRpt is the report.dmarc module: it accumulates DMARC evaluation
// results recorded by the message pipeline and mails out daily aggregate
// reports to the rua destinations of the evaluated domains. Failure
// reports (ruf) are emitted per failing message, rate-limited.
type DMARCRpt struct {
	instName string

	db       *sql.DB
	resolver dns.Resolver
	pipeline module.DeliveryTarget

	orgName     string
	contactInfo string
	fromAddr    string
	hostname    string
	interval    time.Duration

	failureReports bool
	failureLimiter *limiters.BucketSet

	stop chan struct{}
	wg   sync.WaitGroup

	Log log.Logger
}

func NewDMARCRpt(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("report.dmarc: inline arguments are not used")
	}
	return &DMARCRpt{
		instName: instName,
		resolver: dns.NewCachingResolver(dns.DefaultResolver()),
		stop:     make(chan struct{}),
		Log:      log.Logger{Name: "report.dmarc"},
	}, nil
}

func (r *DMARCRpt) Name() string {
	return "report.dmarc"
}

func (r *DMARCRpt) InstanceName() string {
	return r.instName
}

func (r *DMARCRpt) Init(cfg *config.Map) error {
	var (
		statePath   string
		failureRate int
	)
	cfg.Bool("debug", true, false, &r.Log.Debug)
	cfg.String("state", false, false, filepath.Join(config.StateDirectory, "dmarcrpt.db"), &statePath)
	cfg.String("org_name", true, true, "", &r.orgName)
	cfg.String("contact_info", false, false, "", &r.contactInfo)
	cfg.String("from", false, true, "", &r.fromAddr)
	cfg.String("hostname", true, true, "", &r.hostname)
	cfg.Duration("interval", false, false, 24*time.Hour, &r.interval)
	cfg.Bool("failure_reports", false, false, &r.failureReports)
	cfg.Int("failure_reports_per_hour", false, false, 5, &failureRate)
	cfg.Custom("deliver_to", false, true, nil, modconfig.DeliveryDirective, &r.pipeline)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	// Per-domain rate limiting of the failure reports.
	r.failureLimiter = limiters.NewBucketSet(func() limiters.L {
		return limiters.NewRate(failureRate, 1*time.Hour)
	}, 2*time.Hour, 1000)

	db, err := openDB(statePath)
	if err != nil {
		return fmt.Errorf("report.dmarc: %w", err)
	}
	r.db = db

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS dmarc_results (
		day TEXT NOT NULL,
		from_domain TEXT NOT NULL,
		source_ip TEXT NOT NULL,
		disposition TEXT NOT NULL,
		dkim_result TEXT NOT NULL,
		dkim_domain TEXT NOT NULL,
		spf_result TEXT NOT NULL,
		spf_domain TEXT NOT NULL,
		dkim_aligned INTEGER NOT NULL,
		spf_aligned INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, from_domain, source_ip, disposition, dkim_result, dkim_domain, spf_result, spf_domain, dkim_aligned, spf_aligned)
	)`)
	if err != nil {
		return fmt.Errorf("report.dmarc: %w", err)
	}

	r.wg.Add(1)
	go r.reportLoop()

	return nil
}

func (r *DMARCRpt) Close() error {
	close(r.stop)
	r.wg.Wait()
	r.failureLimiter.Close()
	return r.db.Close()
}

// RecordDMARCEvaluation implements module.DMARCReportCollector.
func (r *DMARCRpt) RecordDMARCEvaluation(ev module.DMARCEvaluation, header textproto.Header) {
	boolInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	_, err := r.db.Exec(`INSERT INTO dmarc_results
		(day, from_domain, source_ip, disposition, dkim_result, dkim_domain, spf_result, spf_domain, dkim_aligned, spf_aligned, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (day, from_domain, source_ip, disposition, dkim_result, dkim_domain, spf_result, spf_domain, dkim_aligned, spf_aligned)
		DO UPDATE SET count = count + 1`,
		dayStamp(time.Now()), ev.FromDomain, ev.SourceIP, ev.Disposition,
		ev.DKIMResult, ev.DKIMDomain, ev.SPFResult, ev.SPFDomain,
		boolInt(ev.DKIMAligned), boolInt(ev.SPFAligned))
	if err != nil {
		r.Log.Error("failed to record DMARC evaluation", err, "domain", ev.FromDomain)
	}

	if r.failureReports && ev.Disposition != "none" {
		r.emitFailureReport(ev, header)
	}
}

// emitFailureReport sends a per-message failure report (RFC 6591 AFRF
// inside multipart/report) if the domain policy requests them via ruf.
func (r *DMARCRpt) emitFailureReport(ev module.DMARCEvaluation, header textproto.Header) {
	if !r.failureLimiter.Take(ev.FromDomain) {
		r.Log.DebugMsg("failure report rate limited", "domain", ev.FromDomain)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, record, err := ferrumdmarc.FetchRecord(ctx, r.resolver, ev.FromDomain)
	if err != nil || record == nil {
		return
	}
	rcpts := mailtoTargets(record.ReportURIFailure)
	if len(rcpts) == 0 {
		return
	}

	var report strings.Builder
	report.WriteString("Feedback-Type: auth-failure\r\n")
	report.WriteString("User-Agent: ferrum/1.0\r\n")
	report.WriteString("Version: 1\r\n")
	report.WriteString("Auth-Failure: dmarc\r\n")
	report.WriteString("Source-IP: " + ev.SourceIP + "\r\n")
	report.WriteString("Reported-Domain: " + ev.FromDomain + "\r\n")
	report.WriteString("Delivery-Result: " + ev.Disposition + "\r\n")
	report.WriteString("\r\n")

	var hdrBlob bytes.Buffer
	if err := textproto.WriteHeader(&hdrBlob, header); err == nil {
		report.Write(hdrBlob.Bytes())
	}

	subject := "FW: DMARC authentication failure report for " + ev.FromDomain
	for _, rcpt := range rcpts {
		if err := submitReport(ctx, r.pipeline, r.Log, r.fromAddr, rcpt, subject,
			"report.txt", "message/feedback-report", []byte(report.String())); err != nil {
			r.Log.Error("failed to submit failure report", err, "rcpt", rcpt)
		}
	}
}

func (r *DMARCRpt) reportLoop() {
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

// SendReports composes and submits aggregate reports for the day the
// passed time belongs to, removing the consumed counters.
func (r *DMARCRpt) SendReports(ctx context.Context, day time.Time) error {
	stamp := dayStamp(day)

	rows, err := r.db.Query(`SELECT DISTINCT from_domain FROM dmarc_results WHERE day = ?`, stamp)
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
		if _, err := r.db.Exec(`DELETE FROM dmarc_results WHERE day = ? AND from_domain = ?`, stamp, domain); err != nil {
			r.Log.Error("failed to clean consumed counters", err, "domain", domain)
		}
	}

	return nil
}

func alignmentStr(mode ferrumdmarc.AlignmentMode) string {
	if mode == "" {
		return ""
	}
	return string(mode)
}

func (r *DMARCRpt) sendDomainReport(ctx context.Context, stamp, domain string, day time.Time) error {
	policyDomain, record, err := ferrumdmarc.FetchRecord(ctx, r.resolver, domain)
	if err != nil {
		return err
	}
	if record == nil {
		r.Log.DebugMsg("no DMARC record anymore, skipping", "domain", domain)
		return nil
	}
	rcpts := mailtoTargets(record.ReportURIAggregate)
	if len(rcpts) == 0 {
		r.Log.DebugMsg("no rua, skipping", "domain", domain)
		return nil
	}

	rows, err := r.db.Query(`SELECT source_ip, disposition, dkim_result, dkim_domain, spf_result, spf_domain, dkim_aligned, spf_aligned, count
		FROM dmarc_results WHERE day = ? AND from_domain = ?`, stamp, domain)
	if err != nil {
		return err
	}
	defer rows.Close()

	pct := 100
	if record.Percent != nil {
		pct = *record.Percent
	}

	reportID, err := module.GenerateMsgID()
	if err != nil {
		return err
	}

	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	feedback := dmarcFeedback{
		ReportMetadata: dmarcReportMetadata{
			OrgName:          r.orgName,
			Email:            r.fromAddr,
			ExtraContactInfo: r.contactInfo,
			ReportID:         stamp + "." + reportID + "@" + r.hostname,
			DateRange: dmarcDateRange{
				Begin: dayStart.Unix(),
				End:   dayStart.Add(24*time.Hour - time.Second).Unix(),
			},
		},
		PolicyPublished: dmarcPolicyPublished{
			Domain: policyDomain,
			ADKIM:  alignmentStr(record.DKIMAlignment),
			ASPF:   alignmentStr(record.SPFAlignment),
			P:      string(record.Policy),
			SP:     string(record.SubdomainPolicy),
			Pct:    pct,
		},
	}

	for rows.Next() {
		var (
			sourceIP, disposition        string
			dkimResult, dkimDomain       string
			spfResult, spfDomain         string
			dkimAligned, spfAligned, cnt int
		)
		if err := rows.Scan(&sourceIP, &disposition, &dkimResult, &dkimDomain,
			&spfResult, &spfDomain, &dkimAligned, &spfAligned, &cnt); err != nil {
			return err
		}

		dmarcDKIM := "fail"
		if dkimAligned == 1 {
			dmarcDKIM = "pass"
		}
		dmarcSPF := "fail"
		if spfAligned == 1 {
			dmarcSPF = "pass"
		}

		rec := dmarcRecord{
			Row: dmarcRow{
				SourceIP: sourceIP,
				Count:    cnt,
				PolicyEvaluated: dmarcPolicyEvaluated{
					Disposition: disposition,
					DKIM:        dmarcDKIM,
					SPF:         dmarcSPF,
				},
			},
			Identifiers: dmarcIdentifiers{HeaderFrom: domain},
		}
		if dkimResult != "" {
			rec.AuthResults.DKIM = &dmarcDKIMAuthResult{Domain: dkimDomain, Result: dkimResult}
		}
		if spfResult != "" {
			rec.AuthResults.SPF = &dmarcSPFAuthResult{Domain: spfDomain, Result: spfResult}
		}
		feedback.Records = append(feedback.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(feedback.Records) == 0 {
		return nil
	}

	rawXML, err := xml.MarshalIndent(feedback, "", "  ")
	if err != nil {
		return err
	}
	rawXML = append([]byte(xml.Header), rawXML...)

	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	if _, err := gz.Write(rawXML); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	filename := fmt.Sprintf("%s!%s!%d!%d.xml.gz", r.hostname, domain,
		feedback.ReportMetadata.DateRange.Begin, feedback.ReportMetadata.DateRange.End)
	subject := fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>",
		domain, r.orgName, feedback.ReportMetadata.ReportID)

	for _, rcpt := range rcpts {
		if err := submitReport(ctx, r.pipeline, r.Log, r.fromAddr, rcpt, subject,
			filename, `application/gzip`, gzipped.Bytes()); err != nil {
			r.Log.Error("failed to submit DMARC report", err, "rcpt", rcpt, "domain", domain)
		}
	}

	return nil
}

func init() {
	module.Register("report.dmarc", NewDMARCRpt)
}
