package resource

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/logger"
)

// Socket is one bound listener plus the descriptor handed to children.
type Socket struct {
	Addr     string // as configured
	Network  string // tcp or unix
	listener net.Listener
	file     *os.File
}

// Listener returns the supervisor side listener.
func (s *Socket) Listener() net.Listener { return s.listener }

// File returns the descriptor passed to every generation.
func (s *Socket) File() *os.File { return s.file }

// SocketBinder binds listening sockets at most once per address for the
// lifetime of the process and hands the same descriptors to every caller.
type SocketBinder struct {
	mu sync.Mutex

	// Active sockets keyed by configured and canonical address
	sockets map[string]*Socket
	sets    map[string]*SocketSet
	binds   map[string]int

	// Inherited but not yet claimed listeners
	inherited map[string]*Socket

	discovered bool
	closed     bool
}

func NewSocketBinder() *SocketBinder {
	return &SocketBinder{
		sockets:   make(map[string]*Socket),
		sets:      make(map[string]*SocketSet),
		binds:     make(map[string]int),
		inherited: make(map[string]*Socket),
	}
}

// ParseAddress splits a configured address into network and address.
// "unix:/p", "/p" and "./p" are path sockets, "tcp://h:p" and "h:p" are TCP.
func ParseAddress(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(strings.TrimPrefix(addr, "unix:"), "//")
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "/"), strings.HasPrefix(addr, "./"):
		return "unix", addr
	default:
		return "tcp", addr
	}
}

func isSocket(fd int) bool {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return false
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func (b *SocketBinder) discoverInherited() {
	if b.discovered {
		return
	}
	b.discovered = true

	fds := os.Getenv(consts.EnvInheritedFDs)
	if fds == "" {
		return
	}

	count, err := strconv.Atoi(fds)
	if err != nil || count <= 0 {
		return
	}

	// Clear it so children of this process don't see it unless we set it again
	os.Unsetenv(consts.EnvInheritedFDs)

	logger.Log.Info("SocketBinder: Discovering inherited sockets", "count", count)

	for i := 0; i < count; i++ {
		// ExtraFiles start at fd 3
		fd := 3 + i
		if !isSocket(fd) {
			logger.Log.Warn("SocketBinder: FD is not a socket, skipping", "fd", fd)
			continue
		}

		f := os.NewFile(uintptr(fd), "listener")
		if f == nil {
			continue
		}

		l, err := net.FileListener(f)
		if err != nil {
			logger.Log.Error("SocketBinder: Failed to create listener from FD", "fd", fd, "err", err)
			continue
		}
		setNonblock(l)

		addr := l.Addr().String()
		b.inherited[addr] = &Socket{
			Addr:     addr,
			Network:  l.Addr().Network(),
			listener: l,
			file:     f,
		}
		logger.Log.Info("SocketBinder: Discovered inherited socket", "addr", addr, "fd", fd)
	}
}

// setNonblock puts the listener back into non-blocking mode for the Go
// runtime poller; File() and Fd() may have cleared it on the shared description.
func setNonblock(l net.Listener) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return
	}
	if rawConn, err := sc.SyscallConn(); err == nil {
		rawConn.Control(func(fd uintptr) {
			_ = unix.SetNonblock(int(fd), true)
		})
	}
}

// EnsureListener returns the socket for addr, claiming an inherited one or
// binding a new one. Later calls with the same address never rebind.
func (b *SocketBinder) EnsureListener(addr string) (*Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _, err := b.ensureLocked(addr)
	return s, err
}

func (b *SocketBinder) ensureLocked(addr string) (*Socket, bool, error) {
	if b.closed {
		return nil, false, fmt.Errorf("socket binder is closed")
	}

	// 1. Already active
	if s, ok := b.sockets[addr]; ok {
		return s, false, nil
	}

	network, address := ParseAddress(addr)

	// 2. Inherited from our parent
	b.discoverInherited()
	if key, is := b.matchInherited(network, address); is != nil {
		logger.Log.Info("SocketBinder: Claiming inherited socket", "addr", addr)
		is.Addr = addr
		b.sockets[addr] = is
		delete(b.inherited, key)
		return is, false, nil
	}

	// 3. Fresh bind
	logger.Log.Info("SocketBinder: Binding new listener", "addr", addr)
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, false, verrors.New(verrors.ErrCodeSocketBindFailed, "Acquire", addr, err)
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, false, verrors.New(verrors.ErrCodeSocketBindFailed, "Acquire", addr, err)
	}

	var f *os.File
	switch tl := l.(type) {
	case *net.TCPListener:
		f, err = tl.File()
	case *net.UnixListener:
		f, err = tl.File()
	default:
		err = fmt.Errorf("unsupported listener type %T", l)
	}
	if err != nil {
		l.Close()
		return nil, false, verrors.New(verrors.ErrCodeSocketBindFailed, "Acquire", addr, err)
	}
	setNonblock(l)

	s := &Socket{Addr: addr, Network: network, listener: l, file: f}
	b.sockets[addr] = s
	b.binds[addr]++
	// ":8080" and "[::]:8080" name the same socket
	if canonical := l.Addr().String(); canonical != addr && network == "tcp" {
		if _, taken := b.sockets[canonical]; !taken {
			b.sockets[canonical] = s
		}
	}
	return s, true, nil
}

// matchInherited finds an inherited socket for address. A TCP address with an
// empty or unspecified host matches an inherited wildcard listener on that port.
func (b *SocketBinder) matchInherited(network, address string) (string, *Socket) {
	if is, ok := b.inherited[address]; ok && is.Network == network {
		return address, is
	}
	if network != "tcp" {
		return "", nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", nil
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return "", nil
	}
	for key, is := range b.inherited {
		h, p, err := net.SplitHostPort(key)
		if err != nil || p != port || is.Network != network {
			continue
		}
		if ip := net.ParseIP(h); ip != nil && ip.IsUnspecified() {
			return key, is
		}
	}
	return "", nil
}

// removeStaleSocket deletes a leftover socket file. A socket somebody still
// accepts on, or anything that is not a socket, is left alone and reported.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("%s: %w", path, unix.EADDRINUSE)
	}
	return os.Remove(path)
}

// Acquire returns the SocketSet for addrs. It is idempotent: the same set,
// holding the same descriptors, is returned for the same address list.
// Sockets bound by a failed call are closed again so the error leaves no trace.
func (b *SocketBinder) Acquire(addrs []string) (*SocketSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := strings.Join(addrs, "\x00")
	if set, ok := b.sets[key]; ok {
		return set, nil
	}

	var fresh []*Socket
	set := &SocketSet{}
	for _, addr := range addrs {
		s, isNew, err := b.ensureLocked(addr)
		if err != nil {
			for _, fs := range fresh {
				b.forgetLocked(fs)
			}
			return nil, err
		}
		if isNew {
			fresh = append(fresh, s)
		}
		set.sockets = append(set.sockets, s)
	}
	b.sets[key] = set
	return set, nil
}

func (b *SocketBinder) forgetLocked(s *Socket) {
	for k, v := range b.sockets {
		if v == s {
			delete(b.sockets, k)
		}
	}
	b.binds[s.Addr]--
	s.listener.Close()
	s.file.Close()
}

// BindCount reports how many times addr was actually bound.
func (b *SocketBinder) BindCount(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds[addr]
}

// Close closes every socket. It is called once, when the supervisor exits.
func (b *SocketBinder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[*Socket]bool)
	for _, s := range b.sockets {
		if seen[s] {
			continue
		}
		seen[s] = true
		s.listener.Close()
		s.file.Close()
	}
	b.sockets = make(map[string]*Socket)
	b.sets = make(map[string]*SocketSet)

	for _, is := range b.inherited {
		is.listener.Close()
		is.file.Close()
	}
	b.inherited = make(map[string]*Socket)
	b.closed = true
}

// SocketSet is the ordered set of sockets of one group. Generations hold a
// Lease on it; the binder stays the owner of the descriptors.
type SocketSet struct {
	sockets []*Socket
	refs    atomic.Int32
}

// Files returns the descriptors in configuration order; a child sees them at
// fd 3, 4, ... in the same order as Addrs.
func (s *SocketSet) Files() []*os.File {
	files := make([]*os.File, 0, len(s.sockets))
	for _, sock := range s.sockets {
		files = append(files, sock.file)
	}
	return files
}

func (s *SocketSet) Addrs() []string {
	addrs := make([]string, 0, len(s.sockets))
	for _, sock := range s.sockets {
		addrs = append(addrs, sock.Addr)
	}
	return addrs
}

// ListenAddrs returns the addresses the listeners are actually bound to,
// which differ from Addrs for ":0" style configuration.
func (s *SocketSet) ListenAddrs() []string {
	addrs := make([]string, 0, len(s.sockets))
	for _, sock := range s.sockets {
		addrs = append(addrs, sock.listener.Addr().String())
	}
	return addrs
}

func (s *SocketSet) Len() int { return len(s.sockets) }

// Refs returns the number of outstanding leases.
func (s *SocketSet) Refs() int { return int(s.refs.Load()) }

// Retain hands out a lease keeping the set referenced.
func (s *SocketSet) Retain() *Lease {
	s.refs.Add(1)
	return &Lease{set: s}
}

// Lease is a shared-lifetime token for a SocketSet held by one generation.
type Lease struct {
	set  *SocketSet
	once sync.Once
}

func (l *Lease) Set() *SocketSet { return l.set }

// Release drops the reference. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.once.Do(func() { l.set.refs.Add(-1) })
}

// Personal.AI order the ending
