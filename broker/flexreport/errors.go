package flexreport

import (
	"fmt"

	"github.com/Cyvadra/broker-sync/broker"
)

// CodeGenerationInProgress is returned by GetStatement while the report is still being built
const CodeGenerationInProgress = "1019"

type codeInfo struct {
	message  string
	category broker.ErrorCategory
	sentinel error
}

// errorCodes maps Flex Web Service error codes to explanations users can act on
var errorCodes = map[string]codeInfo{
	"1001": {"Statement could not be generated at this time. Please try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1003": {"Statement is not available for the requested period.", broker.CategoryTerminal, broker.ErrAPIError},
	"1004": {"Statement is incomplete at this time. Try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1005": {"Settlement data is not ready at this time. Try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1006": {"FIFO P/L data is not ready at this time. Try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1007": {"MTM P/L data is not ready at this time. Try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1008": {"MTM and FIFO P/L data are not ready at this time. Try again later.", broker.CategoryTerminal, broker.ErrAPIError},
	"1009": {"The broker's report server is under heavy load. The sync will be retried in the next window.", broker.CategoryRateLimit, broker.ErrRateLimitExceeded},
	"1010": {"Legacy Flex Queries are no longer supported. Create a new Flex Query.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1011": {"The account is inactive or not authorized for Flex Web Service.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1012": {"The Flex token has expired. Generate a new token in Account Management.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1013": {"The request came from an IP address not allowed for this token.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1014": {"The Flex Query ID is invalid. Check the query id in Account Management.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1015": {"The Flex token is invalid. Check the token in Account Management.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1016": {"The account is invalid or not authorized for this query.", broker.CategoryCredential, broker.ErrInvalidCredentials},
	"1017": {"The report reference code is invalid.", broker.CategoryTerminal, broker.ErrAPIError},
	"1018": {"Too many requests for this token. The daily or per-minute request limit was reached.", broker.CategoryRateLimit, broker.ErrRateLimitExceeded},
	"1019": {"Statement generation is in progress.", broker.CategoryTransient, nil},
	"1020": {"The request is invalid or could not be validated.", broker.CategoryTerminal, broker.ErrAPIError},
	"1021": {"The statement could not be retrieved at this time.", broker.CategoryTerminal, broker.ErrAPIError},
}

// codeError converts a Flex error code into a typed broker error
func codeError(code, serverMessage string) *broker.BrokerError {
	info, known := errorCodes[code]
	if !known {
		msg := serverMessage
		if msg == "" {
			msg = "unknown Flex error"
		}
		return broker.NewBrokerError(broker.BrokerTypeFlexReport, code, broker.CategoryTerminal,
			fmt.Sprintf("Flex request failed: %s", msg), broker.ErrAPIError)
	}
	return broker.NewBrokerError(broker.BrokerTypeFlexReport, code, info.category, info.message, info.sentinel)
}

// Explain returns the human-readable explanation for a Flex error code
func Explain(code string) string {
	if info, ok := errorCodes[code]; ok {
		return info.message
	}
	return ""
}
