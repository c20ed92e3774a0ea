package chatlog

// isChannelBuffer reports whether a buffer name denotes a channel
// (leading '#' or '&') rather than a private-message buffer, per §3
// invariant 5.
func isChannelBuffer(name string) bool {
	return len(name) > 0 && (name[0] == '#' || name[0] == '&')
}

// resolveBuffer derives the buffer name a message belongs to, per §4.3:
// channels keep their literal target name; a PM resolves to whichever
// side is remote. outgoing is true when the message originated from a
// local client bound for the network (in which case target is already
// the remote party); otherwise the message arrived from the network and
// the remote party is the sender, sourceNick.
func resolveBuffer(target string, outgoing bool, sourceNick string) string {
	if isChannelBuffer(target) {
		return target
	}
	if outgoing {
		return target
	}
	return sourceNick
}

// resolvePrefix derives the "prefix" field per §4.3: the local nick if
// the message originated from a local client bound for the network,
// otherwise the remote sender's nick.
func resolvePrefix(outgoing bool, localNick, sourceNick string) string {
	if outgoing {
		return localNick
	}
	return sourceNick
}

// bufferClass classifies a buffer name into "channel" or "pm" for
// retention purposes (§3 invariant 5, §4.5).
type bufferClass int

const (
	classPM bufferClass = iota
	classChannel
)

func classifyBuffer(name string) bufferClass {
	if isChannelBuffer(name) {
		return classChannel
	}
	return classPM
}
