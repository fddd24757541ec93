package verifone

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Behaviour scripts how the simulated terminal responds.
type Behaviour struct {
	Code      string // final RE code, "00" when empty
	CardType  string
	Receipt   string
	Surcharge int64
	Tip       int64

	// PendingPolls and DelayedPolls answer that many RE? requests with IP
	// and then TD before the final result.
	PendingPolls int
	DelayedPolls int

	Display []string // DS lines sent after the purchase

	AskSignature bool
	// Question, when set, is raised as QS,<Kind>,<Text> after the purchase.
	Question *SimQuestion
	// ConfirmCancel makes CN raise QS,CAN before cancelling.
	ConfirmCancel bool

	RejectConfigure bool
	// SilentAfterPurchase makes the connection carrying PR go quiet.
	SilentAfterPurchase bool
	// SilentRefetch ignores RE? on connections that did not carry PR.
	SilentRefetch bool
}

type SimQuestion struct {
	Kind string
	Text string
}

type simTxn struct {
	id             string
	amount         string
	polls          int
	awaitingAnswer bool
	awaitingCancel bool
	code           string
}

// Simulator is a fake Verifone terminal listening on TCP. It is used by the
// provider tests and by the terminal-simulator command.
type Simulator struct {
	logger    *zap.SugaredLogger
	framing   Framing
	listener  net.Listener
	stopChan  chan struct{}
	stopped   bool
	stopMutex sync.Mutex
	wg        sync.WaitGroup

	mu          sync.Mutex
	behaviour   Behaviour
	txns        map[string]*simTxn
	connections int
	purchases   int
	polls       int
	answers     []string
	cancels     int
	conns       map[net.Conn]struct{}
}

func NewSimulator(logger *zap.SugaredLogger, framing Framing, b Behaviour) *Simulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if framing == "" {
		framing = FramingLine
	}
	return &Simulator{
		logger:    logger.Named("verifone-sim"),
		framing:   framing,
		stopChan:  make(chan struct{}),
		behaviour: b,
		txns:      make(map[string]*simTxn),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and returns the
// bound address.
func (s *Simulator) Start(addr string) (string, error) {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()
	if s.stopped {
		return "", fmt.Errorf("simulator already stopped")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.logger.Infof("Simulated verifone terminal listening on %s (%s framing)", ln.Addr(), s.framing)

	s.wg.Add(1)
	go s.acceptLoop()
	return ln.Addr().String(), nil
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("Accept failed: %v", err)
			continue
		}

		s.mu.Lock()
		s.connections++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

// Stop closes the listener and every open connection.
func (s *Simulator) Stop() {
	s.stopMutex.Lock()
	if s.stopped {
		s.stopMutex.Unlock()
		return
	}
	s.stopped = true
	close(s.stopChan)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.stopMutex.Unlock()

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Simulator stopped")
}

// SetBehaviour replaces the script for subsequent frames.
func (s *Simulator) SetBehaviour(b Behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviour = b
}

func (s *Simulator) Connections() int { s.mu.Lock(); defer s.mu.Unlock(); return s.connections }
func (s *Simulator) Purchases() int   { s.mu.Lock(); defer s.mu.Unlock(); return s.purchases }
func (s *Simulator) Polls() int       { s.mu.Lock(); defer s.mu.Unlock(); return s.polls }
func (s *Simulator) Cancels() int     { s.mu.Lock(); defer s.mu.Unlock(); return s.cancels }

func (s *Simulator) Answers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.answers...)
}

type simConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	framing Framing
	current *simTxn
	silent  bool
}

func (c *simConn) send(f Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if c.framing == FramingEnvelope {
		env, err := EncodeEnvelope(f.String())
		if err != nil {
			return
		}
		_, _ = c.conn.Write(env)
		return
	}
	_, _ = c.conn.Write([]byte(f.String() + "\n"))
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sc := &simConn{conn: conn, framing: s.framing}
	reader := bufio.NewReader(conn)

	for {
		var text string
		var err error
		if s.framing == FramingEnvelope {
			text, err = ReadEnvelope(reader)
		} else {
			text, err = reader.ReadString('\n')
		}
		if err != nil {
			return
		}
		f, err := ParseFrame(text)
		if err != nil {
			continue
		}
		if sc.silent {
			continue
		}
		s.handle(sc, f)
	}
}

func (s *Simulator) handle(sc *simConn, f Frame) {
	s.mu.Lock()
	b := s.behaviour
	var out []Frame

	switch f.Tag {
	case TagConfigure:
		code := "00"
		if b.RejectConfigure {
			code = "99"
		}
		out = append(out, NewFrame(TagConfigure, code))

	case TagPurchase, TagRefund:
		s.purchases++
		txn := &simTxn{id: f.Field(0), amount: f.Field(2), code: b.Code}
		if txn.code == "" {
			txn.code = "00"
		}
		s.txns[txn.id] = txn
		sc.current = txn

		if b.SilentAfterPurchase {
			sc.silent = true
			break
		}
		for _, line := range b.Display {
			out = append(out, NewFrame(TagDisplay, line))
		}
		switch {
		case b.AskSignature:
			txn.awaitingAnswer = true
			out = append(out, NewFrame(TagQuestion, QuestionSignature, "SIGNATURE OK?"))
		case b.Question != nil:
			txn.awaitingAnswer = true
			out = append(out, NewFrame(TagQuestion, b.Question.Kind, b.Question.Text))
		}

	case TagResultRequest:
		s.polls++
		txn, ok := s.txns[f.Field(0)]
		if sc.current == nil && b.SilentRefetch {
			break
		}
		if !ok {
			out = append(out, ResultFrame{TransactionID: f.Field(0), MerchantID: f.Field(1), Code: "NF"}.Encode())
			break
		}
		out = append(out, s.resultFor(txn, f.Field(1), b))

	case TagAnswer:
		answer := strings.TrimSpace(f.Field(0))
		s.answers = append(s.answers, answer)
		if txn := sc.current; txn != nil {
			txn.awaitingAnswer = false
			if txn.awaitingCancel {
				txn.awaitingCancel = false
				if answer == "Y" {
					txn.code = "CN"
				}
			}
		}

	case TagCancel:
		s.cancels++
		txn := sc.current
		if txn == nil {
			break
		}
		if b.ConfirmCancel {
			txn.awaitingCancel = true
			txn.awaitingAnswer = true
			out = append(out, NewFrame(TagQuestion, QuestionConfirmCancel, "CANCEL TRANSACTION?"))
		} else {
			txn.code = "CN"
		}
	}
	s.mu.Unlock()

	for _, o := range out {
		sc.send(o)
	}
}

// resultFor must be called with s.mu held.
func (s *Simulator) resultFor(txn *simTxn, merchant string, b Behaviour) Frame {
	r := ResultFrame{TransactionID: txn.id, MerchantID: merchant}

	finalCode := txn.code
	switch {
	case finalCode == "CN":
	case txn.awaitingAnswer:
		r.Code = "IP"
		return r.Encode()
	case txn.polls < b.PendingPolls:
		txn.polls++
		r.Code = "IP"
		return r.Encode()
	case txn.polls < b.PendingPolls+b.DelayedPolls:
		txn.polls++
		r.Code = "TD"
		return r.Encode()
	}

	r.Code = finalCode
	r.CardType = b.CardType
	r.Surcharge = b.Surcharge
	r.Tip = b.Tip
	r.Receipt = b.Receipt
	return r.Encode()
}
