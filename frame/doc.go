// Package frame implements the application-level fragmentation used by the
// UDP transport.
//
// A logical message is cut into chunks of at most MTU bytes. Each chunk is
// prefixed with an 8-byte header:
//
//	bytes 0-1  request id
//	bytes 2-3  sequence index
//	bytes 4-5  total chunk count
//	bytes 6-7  reserved (zero)
//
// # Header encoding
//
// The default Base255 encoding stores every field as 255*hi+lo. It is kept
// for compatibility with the existing client and its servers; it cannot
// represent values above MaxBase255 and disagrees with a byte-valued reader
// for any field of 255 or more. Base256 is the plain big-endian layout.
//
// # Reassembly
//
// Replies are collected with a Reassembly sized by the count in the first
// frame received. Frames may arrive in any order; each must carry the same
// request id.
//
//	r, err := frame.NewReassembly(id, first)
//	for !r.Complete() {
//	    f, _ := frame.ParseFrame(frame.Base255, next())
//	    if err := r.Add(f); err != nil {
//	        return err
//	    }
//	}
//	reply := r.Bytes()
package frame
