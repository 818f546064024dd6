package arcus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pior/arcus-cli/sasl"
)

var errTooManyRounds = errors.New("too many rounds")

// Authenticate runs the SASL handshake on an already connected session and
// returns the negotiated mechanism.
//
// The exchange is:
//
//	C: sasl mech
//	S: SASL_MECH <mech> <mech>...
//	C: sasl auth <mech> <len>\r\n<token>      (first round)
//	C: sasl auth <len>\r\n<token>             (later rounds)
//	S: SASL_CONTINUE\r\n<challenge> | SASL_OK | anything else
//
// The caller must not read from r concurrently. r is kept by the caller so
// bytes buffered past the final reply are not lost.
func Authenticate(r *bufio.Reader, w io.Writer, cfg *AuthConfig, log zerolog.Logger) (string, error) {
	bw := bufio.NewWriter(w)

	if err := writeSaslMech(bw); err != nil {
		return "", err
	}
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	advertised, ok := parseSaslMech(trimCRLF(line))
	if !ok {
		return "", &ProtocolError{Expected: strings.TrimSpace(ReplySaslMech), Line: line}
	}

	name, ok := sasl.Select(advertised, cfg.Mechanisms)
	if !ok {
		return "", fmt.Errorf("%w: server offers %q", ErrNoMechanism, advertised)
	}
	mech, err := sasl.New(name, cfg.Credentials)
	if err != nil {
		return "", err
	}
	log.Debug().Str("mechanism", name).Strs("advertised", advertised).Msg("sasl mechanism selected")

	var challenge []byte
	mechOnWire := name
	for round := 1; round <= MaxAuthRounds; round++ {
		token, err := mech.Step(challenge)
		if err != nil {
			return name, &AuthError{Mechanism: name, Err: err}
		}
		if err := writeSaslAuth(bw, mechOnWire, token); err != nil {
			return name, err
		}
		mechOnWire = ""

		reply, err := readLine(r)
		if err != nil {
			return name, err
		}
		switch {
		case strings.HasPrefix(reply, ReplySaslContinue):
			next, err := readLine(r)
			if err != nil {
				return name, err
			}
			challenge = []byte(trimCRLF(next))
			log.Debug().Int("round", round).Msg("sasl continue")
		case reply == ReplySaslOK:
			// SASL_OK alone is success, even before the server has proved
			// itself to a mutual mechanism.
			if v, ok := mech.(sasl.Verifier); ok && !v.Verified() {
				log.Debug().Str("mechanism", name).Msg("sasl ok before server signature, server not verified")
			}
			log.Debug().Int("rounds", round).Msg("sasl authenticated")
			return name, nil
		default:
			return name, &AuthError{Mechanism: name, Reply: trimCRLF(reply)}
		}
	}
	return name, &AuthError{Mechanism: name, Err: errTooManyRounds}
}
