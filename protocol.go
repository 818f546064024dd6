package arcus

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const CRLF = "\r\n"

// Auth sub-protocol commands and replies.
const (
	CmdSaslMech = "sasl mech"
	CmdSaslAuth = "sasl auth"

	ReplySaslMech     = "SASL_MECH "
	ReplySaslContinue = "SASL_CONTINUE"
	ReplySaslOK       = "SASL_OK\r\n"
)

// Terminate appends CRLF to line unless it is already there.
// A line ending in a bare CR only gets the LF.
func Terminate(line string) string {
	switch {
	case strings.HasSuffix(line, CRLF):
		return line
	case strings.HasSuffix(line, "\r"):
		return line + "\n"
	default:
		return line + CRLF
	}
}

// writeSaslMech writes the mechanism listing request.
func writeSaslMech(w *bufio.Writer) error {
	if _, err := w.WriteString(CmdSaslMech + CRLF); err != nil {
		return err
	}
	return w.Flush()
}

// writeSaslAuth writes one auth round:
//
//	sasl auth [<mech> ]<len>\r\n<token>\r\n
//
// The mechanism name is only sent on the first round.
func writeSaslAuth(w *bufio.Writer, mech string, token []byte) error {
	w.WriteString(CmdSaslAuth + " ")
	if mech != "" {
		w.WriteString(mech + " ")
	}
	w.WriteString(strconv.Itoa(len(token)))
	w.WriteString(CRLF)
	w.Write(token)
	w.WriteString(CRLF)
	return w.Flush()
}

// readLine reads one reply line including its terminator.
// A final unterminated line is returned without error; the next call
// reports io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

// parseSaslMech extracts the advertised mechanisms from a SASL_MECH reply.
func parseSaslMech(line string) ([]string, bool) {
	rest, ok := strings.CutPrefix(line, ReplySaslMech)
	if !ok {
		return nil, false
	}
	return strings.Fields(rest), true
}

func trimCRLF(s string) string {
	return strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r")
}
