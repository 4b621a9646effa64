package maelstrom

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
	"github.com/bdeggleston/epaxos/kvstore"
	"github.com/bdeggleston/epaxos/message"
	"github.com/bdeggleston/epaxos/node"
	"github.com/bdeggleston/epaxos/store"
)

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("maelstrom")

const maxLineSize = 16 * 1024 * 1024

type Options struct {
	Consensus consensus.Config

	// how long a client request waits for its command to execute
	RequestTimeout time.Duration

	TickInterval time.Duration

	Stats consensus.Statter

	// opens the node's storage once it learns its id
	Persistence func(id node.NodeId) (Storage, error)
}

// persisted instances and values a node is restored from on init
type Storage interface {
	consensus.ExecutionPersister
	LoadInstances() ([]*consensus.InstanceRecord, error)
	LoadValues() (map[string][]byte, error)
}

func DefaultOptions() Options {
	return Options{
		Consensus:      consensus.DefaultConfig(),
		RequestTimeout: time.Second,
		TickInterval:   10 * time.Millisecond,
	}
}

// a replica speaking the maelstrom protocol. Clients issue lin-kv
// read, write and cas requests, and replicas exchange consensus
// messages in epaxos envelopes
type Node struct {
	opts Options

	out     io.Writer
	outLock sync.Mutex

	nextMsgID int64

	lock     sync.RWMutex
	id       node.NodeId
	manager  *consensus.Manager
	executor *consensus.Executor
	store    *kvstore.KVStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// client requests waiting on execution
	requests sync.WaitGroup
}

func NewNode(out io.Writer, opts Options) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		opts:   opts,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
	}
}

// reads messages from in until it's closed or the context is cancelled
func (n *Node) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			logger.Warningf("Dropping input: %v", err)
			continue
		}
		if err := n.Handle(msg); err != nil {
			logger.Warningf("Error handling %v from %v: %v", msg.Body.Type, msg.Src, err)
		}
	}
	return scanner.Err()
}

// waits for in flight client requests to be answered
func (n *Node) Wait() {
	n.requests.Wait()
}

// stops the replica. In flight client requests are failed
func (n *Node) Close() {
	n.cancel()
	n.lock.RLock()
	manager := n.manager
	state := n.store
	n.lock.RUnlock()
	if manager != nil {
		manager.Stop()
	}
	n.requests.Wait()
	n.wg.Wait()
	if state != nil {
		if err := state.Stop(); err != nil {
			logger.Warningf("Error stopping store: %v", err)
		}
	}
}

func (n *Node) GetId() node.NodeId {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.id
}

// dispatches a single message. Client requests are answered
// asynchronously once their command executes
func (n *Node) Handle(msg *Message) error {
	if msg.Body.Type == MSG_INIT {
		return n.handleInit(msg)
	}

	n.lock.RLock()
	manager := n.manager
	n.lock.RUnlock()

	switch msg.Body.Type {
	case MSG_EPAXOS:
		if manager == nil {
			return fmt.Errorf("consensus message received before init")
		}
		cmsg, err := message.Decode(msg.Body.Payload)
		if err != nil {
			return err
		}
		return manager.HandleMessage(cmsg)
	case MSG_READ, MSG_WRITE, MSG_CAS:
		if manager == nil {
			return n.replyError(msg, ERROR_TEMPORARILY_UNAVAILABLE, "node not initialized")
		}
		cmd, err := n.command(msg)
		if err != nil {
			return n.replyError(msg, ERROR_MALFORMED_REQUEST, err.Error())
		}
		n.requests.Add(1)
		go func() {
			defer n.requests.Done()
			n.execute(manager, msg, cmd)
		}()
		return nil
	default:
		return n.replyError(msg, ERROR_NOT_SUPPORTED, fmt.Sprintf("unsupported message type %v", msg.Body.Type))
	}
}

func (n *Node) handleInit(msg *Message) error {
	n.lock.Lock()
	if n.manager != nil {
		n.lock.Unlock()
		return n.replyError(msg, ERROR_MALFORMED_REQUEST, "node already initialized")
	}

	id := node.NodeId(msg.Body.NodeID)
	replicas := make([]node.NodeId, len(msg.Body.NodeIDs))
	for i, replica := range msg.Body.NodeIDs {
		replicas[i] = node.NodeId(replica)
	}

	state := kvstore.NewKVStore()
	var log *consensus.InstanceLog
	if n.opts.Persistence != nil {
		var err error
		if log, err = n.restore(id, state); err != nil {
			n.lock.Unlock()
			return n.replyError(msg, ERROR_CRASH, err.Error())
		}
	} else {
		log = consensus.NewInstanceLog(nil)
	}
	manager, err := consensus.NewManager(id, replicas, log, n, n.opts.Consensus, n.opts.Stats)
	if err != nil {
		n.lock.Unlock()
		return n.replyError(msg, ERROR_MALFORMED_REQUEST, err.Error())
	}
	if err := state.Start(); err != nil {
		n.lock.Unlock()
		return n.replyError(msg, ERROR_CRASH, err.Error())
	}
	n.id = id
	n.manager = manager
	n.store = state
	n.executor = consensus.NewExecutor(manager, n.store, n.opts.Stats)
	n.lock.Unlock()

	tickInterval := n.opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultOptions().TickInterval
	}
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		manager.Start(n.ctx, tickInterval)
	}()
	go func() {
		defer n.wg.Done()
		n.executor.Start(n.ctx)
	}()
	logger.Infof("Initialized node %v with replicas %v", id, replicas)
	return n.reply(msg, Body{Type: MSG_INIT_OK})
}

// opens the node's storage, loads the values executed instances wrote
// into the store, and returns a log holding the persisted instances
func (n *Node) restore(id node.NodeId, state store.Store) (*consensus.InstanceLog, error) {
	storage, err := n.opts.Persistence(id)
	if err != nil {
		return nil, err
	}
	values, err := storage.LoadValues()
	if err != nil {
		return nil, err
	}
	if err := store.Restore(state, values); err != nil {
		return nil, err
	}
	records, err := storage.LoadInstances()
	if err != nil {
		return nil, err
	}
	log := consensus.NewInstanceLog(storage)
	if len(records) > 0 {
		log.Load(records)
	}
	logger.Infof("Restored %v instances and %v values for %v", len(records), len(values), id)
	return log, nil
}

// converts a client request into a kv store command
func (n *Node) command(msg *Message) (*consensus.Command, error) {
	key, err := canonical(msg.Body.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %v", err)
	}
	switch msg.Body.Type {
	case MSG_READ:
		return consensus.NewCommand(kvstore.GET, []string{key}, nil, true), nil
	case MSG_WRITE:
		value, err := canonical(msg.Body.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %v", err)
		}
		return consensus.NewCommand(kvstore.SET, []string{key}, []string{value}, false), nil
	default:
		from, err := canonical(msg.Body.From)
		if err != nil {
			return nil, fmt.Errorf("invalid from: %v", err)
		}
		to, err := canonical(msg.Body.To)
		if err != nil {
			return nil, fmt.Errorf("invalid to: %v", err)
		}
		return consensus.NewCommand(kvstore.CAS, []string{key}, []string{from, to}, false), nil
	}
}

func (n *Node) execute(manager *consensus.Manager, msg *Message, cmd *consensus.Command) {
	timeout := n.opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().RequestTimeout
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()

	value, err := manager.Execute(ctx, cmd)
	if err != nil {
		code, text := errorCode(err)
		if replyErr := n.replyError(msg, code, text); replyErr != nil {
			logger.Errorf("Error replying to %v: %v", msg.Src, replyErr)
		}
		return
	}

	body := Body{}
	switch msg.Body.Type {
	case MSG_READ:
		body.Type = MSG_READ_OK
		if s, ok := value.(*kvstore.String); ok {
			body.Value = json.RawMessage(s.GetValue())
		}
	case MSG_WRITE:
		body.Type = MSG_WRITE_OK
	case MSG_CAS:
		body.Type = MSG_CAS_OK
	}
	if err := n.reply(msg, body); err != nil {
		logger.Errorf("Error replying to %v: %v", msg.Src, err)
	}
}

type codedError interface {
	Code() int
}

// maps execution errors to protocol error codes. Kv store errors are
// definite, as is a dropped command, which will never execute. Anything
// else, including a stopped manager, leaves the outcome unknown
func errorCode(err error) (int, string) {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code(), err.Error()
	}
	var timeout consensus.TimeoutError
	switch {
	case errors.As(err, &timeout):
		return ERROR_TIMEOUT, err.Error()
	case errors.Is(err, consensus.ErrCommandDropped):
		return ERROR_TEMPORARILY_UNAVAILABLE, err.Error()
	default:
		return ERROR_CRASH, err.Error()
	}
}

// sends consensus messages to peers in epaxos envelopes
func (n *Node) Send(to node.NodeId, msg message.Message) error {
	payload, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return n.send(&Message{
		Src:  string(n.GetId()),
		Dest: string(to),
		Body: Body{Type: MSG_EPAXOS, Payload: payload},
	})
}

var _ consensus.Transport = &Node{}

func (n *Node) reply(request *Message, body Body) error {
	body.InReplyTo = request.Body.MsgID
	return n.send(&Message{Src: request.Dest, Dest: request.Src, Body: body})
}

func (n *Node) replyError(request *Message, code int, text string) error {
	return n.reply(request, Body{Type: MSG_ERROR, Code: code, Text: text})
}

// writes a message as a single line
func (n *Node) send(msg *Message) error {
	msg.Body.MsgID = atomic.AddInt64(&n.nextMsgID, 1)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	n.outLock.Lock()
	defer n.outLock.Unlock()
	_, err = n.out.Write(b)
	return err
}

// returns the node's state machine, nil before init
func (n *Node) Store() store.Store {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if n.store == nil {
		return nil
	}
	return n.store
}
