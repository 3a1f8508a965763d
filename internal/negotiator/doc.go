// Package negotiator wraps one pion PeerConnection per call attempt.
//
// It owns the local and remote session descriptions and both ICE candidate
// queues. Candidates generated before the relay assigns a call id are held in
// the local queue until FlushLocal; candidates received before the remote
// description is applied are held in the remote queue until
// SetRemoteDescription drains them. Candidates are never applied ahead of the
// remote description and never dropped while queue capacity remains.
package negotiator
