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

// TLS-RPT policy types and result types as defined by RFC 8460 Section 4.3.
const (
	TLSRptPolicySTS    = "sts"
	TLSRptPolicyTLSA   = "tlsa"
	TLSRptPolicyNoPone = "no-policy-found"

	TLSRptResultSTARTTLSNotSupported = "starttls-not-supported"
	TLSRptResultCertificateExpired   = "certificate-expired"
	TLSRptResultCertificateNotTrust  = "certificate-not-trusted"
	TLSRptResultCertificateMismatch  = "certificate-host-mismatch"
	TLSRptResultValidationFailure    = "validation-failure"
	TLSRptResultTLSAInvalid          = "tlsa-invalid"
	TLSRptResultDNSSECInvalid        = "dnssec-invalid"
	TLSRptResultDANERequired         = "dane-required"
	TLSRptResultSTSPolicyFetchError  = "sts-policy-fetch-error"
	TLSRptResultSTSPolicyInvalid     = "sts-policy-invalid"
	TLSRptResultSTSWebPKIInvalid     = "sts-webpki-invalid"
)

// TLSReportCollector is implemented by modules that aggregate per-policy
// TLS connection outcomes for RFC 8460 reporting.
//
// An empty resultType indicates a successful TLS session under the given
// policy.
type TLSReportCollector interface {
	RecordTLSResult(policyDomain, policyType, resultType, mxHost string)
}
