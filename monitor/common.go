package monitor

import (
	"fmt"
	"log"

	ctClient "github.com/google/certificate-transparency-go/client"
)

// wrapRspErr takes an errors as input and if it is a ctClient.RspError
// instance it is returned in a wrapped form that prints the HTTP response
// status and body in the error message. All other error types are passed
// through unmodified.
func wrapRspErr(err error) error {
	if err == nil {
		return nil
	}

	// If it is an RspError instance, wrap it
	if rspErr, ok := err.(ctClient.RspError); ok {
		return fmt.Errorf("%s HTTP Response Status: %d HTTP Response Body: %q",
			rspErr.Err, rspErr.StatusCode, string(rspErr.Body))
	}

	// If it wasn't an RspError instance, return as-is
	return err
}

// logPrinter prefixes every line with a label and the monitored log's URI.
// Errors go to stderr with an "[ERROR]" marker.
type logPrinter struct {
	label  string
	logURI string
	stdout *log.Logger
	stderr *log.Logger
}

func (lp logPrinter) logErrorf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	lp.logError(line)
}

func (lp logPrinter) logError(msg string) {
	lp.stderr.Print("[ERROR]", " ", lp.label, " ", lp.logURI, " : ", msg)
}

func (lp logPrinter) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	lp.log(line)
}

func (lp logPrinter) log(msg string) {
	lp.stdout.Print(lp.label, " ", lp.logURI, " : ", msg)
}
