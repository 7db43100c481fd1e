package session

import (
	"sync"

	"github.com/golang/glog"
)

const (
	NoticeAuthRequired    = "Authentication required. Please log in again."
	NoticeHistoryFailed   = "Failed to load chat history. Please try refreshing."
	NoticeNoToken         = "No token found. Please log in again."
	NoticeConnectFailed   = "Failed to connect to chat server. Please refresh the page."
	NoticeNotConnected    = "Cannot send message: not connected to server."
	NoticeServerErrorText = "An error occurred"
)

type Level int

const (
	LevelInfo Level = iota
	LevelError
)

// Notice is a short user visible message.
type Notice struct {
	Level Level
	Text  string
}

// Notifier shows notices to the user. Notify is called from the session
// loop and must not block.
type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

type logNotifier struct{}

func (logNotifier) Notify(n Notice) {
	if n.Level == LevelError {
		glog.Errorf("notice: %s", n.Text)
	} else {
		glog.Infof("notice: %s", n.Text)
	}
}

// ChanNotifier queues notices on a buffered channel, dropping them when the
// reader falls behind.
type ChanNotifier struct {
	c chan Notice

	mu      sync.Mutex
	dropped int
}

func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{c: make(chan Notice, size)}
}

func (n *ChanNotifier) C() <-chan Notice {
	return n.c
}

func (n *ChanNotifier) Notify(notice Notice) {
	select {
	case n.c <- notice:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		glog.Warningf("notice dropped: %s", notice.Text)
	}
}

// Dropped returns the number of notices that did not fit the queue.
func (n *ChanNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
