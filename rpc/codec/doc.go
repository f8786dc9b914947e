// Package codec implements the RESP2 wire format spoken between skv clients
// and the command server.
//
// Values are status lines ("+OK"), errors ("-NOGROUP ..."), integers
// (":42"), bulk strings ("$3\r\nfoo") and arrays ("*2\r\n..."); "$-1" and
// "*-1" are the null bulk string and the null array. Requests are arrays of
// bulk strings.
//
// The Reader enforces MaxBulkLen, MaxArrayLen and MaxLineLen. Input that is
// malformed or exceeds a limit yields a *ProtocolError (errors.Is ErrProtocol),
// after which the stream must be discarded. ReadHeader allows a caller to
// consume a large array reply element by element instead of decoding it at once.
package codec
