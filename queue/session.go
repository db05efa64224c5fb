package queue

// FuseSession is the opaque external collaborator that reconstructs
// FUSE semantics from a raw input buffer. The transport core never
// inspects FUSE opcodes beyond the READ/WRITE fast-path checks in
// Worker.buildInput; everything else is this interface's job.
type FuseSession interface {
	// BufferSize is the largest input message the session accepts;
	// Worker.buildInput enforces it against the readable "out" bytes.
	BufferSize() int

	// Process handles one reconstructed FUSE input. hdr holds the
	// header bytes (and, on the generic path, the full readable
	// payload); extra holds any zero-copy write-payload segments
	// pointing directly at guest memory (fast path 1). Process calls
	// back into ch.SendReplyIov or ch.SendReplyDataIov to produce a
	// reply, or returns without calling either for FORGET-style
	// requests that carry no reply.
	Process(hdr []byte, extra [][]byte, ch *Channel)
}
