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

package module

import (
	"github.com/emersion/go-message/textproto"
)

// DMARCEvaluation is the outcome of a single DMARC policy application,
// as used for aggregate (rua) report accumulation.
type DMARCEvaluation struct {
	// RFC5322.From domain of the evaluated message.
	FromDomain string

	// Domain the policy record was discovered at. May be the
	// organizational domain of FromDomain.
	PolicyDomain string

	// Text form of the connecting IP.
	SourceIP string

	// Applied disposition: none, quarantine or reject.
	Disposition string

	// authres result values ("pass", "fail", "none", ...).
	DKIMResult string
	SPFResult  string

	// Domain of the DKIM signature considered and the SPF identity
	// checked.
	DKIMDomain string
	SPFDomain  string

	DKIMAligned bool
	SPFAligned  bool
}

// DMARCReportCollector is implemented by modules accumulating DMARC
// evaluation results for RFC 7489 aggregate reporting and emitting
// per-message failure reports.
//
// header is the header of the evaluated message. Implementations must not
// retain references to it past the call.
type DMARCReportCollector interface {
	RecordDMARCEvaluation(ev DMARCEvaluation, header textproto.Header)
}
