package node

// Logf writes per-packet detail when the node runs in debug mode, whatever
// the logger level.
func (n *Node) Logf(format string, args ...any) {
	if !n.cfg.Debug {
		return
	}
	n.log.Infof(format, args...)
}
