package local

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// programDisplay forwards channel output into a running program in order.
// Calls never block, since the program's Update may itself be waiting on the
// coordinator loop that is delivering them.
type programDisplay struct {
	send func(tea.Msg)

	mu     sync.Mutex
	queue  []tea.Msg
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newProgramDisplay(send func(tea.Msg)) *programDisplay {
	d := &programDisplay{
		send:   send,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *programDisplay) ShowReply(text string) { d.push(replyMsg(text)) }
func (d *programDisplay) SetTyping(on bool)     { d.push(typingMsg(on)) }

func (d *programDisplay) push(msg tea.Msg) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run delivers queued messages in order.
func (d *programDisplay) run() {
	defer close(d.exited)
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				select {
				case <-d.done:
					return
				default:
				}
				d.send(msg)
			}
		}
	}
}

// close stops delivery. send must have returned or be able to return, which
// holds for tea.Program.Send once Run has exited.
func (d *programDisplay) close() {
	d.once.Do(func() { close(d.done) })
	<-d.exited
}
