package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/splitchat/archive"
	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/chatstore"
	"github.com/mqy/splitchat/relay"
)

const (
	envPrefix       = "SPLITCHAT_"
	shutdownTimeout = 10 * time.Second
	maxHistoryLimit = 1000
	maxTextLimit    = 64 * 1024
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:5000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "splitchat.pid", "pid file")
	flagStore    = flag.String("store", "memory", "message store: memory, bolt or mysql")
	flagBoltPath = flag.String("bolt-path", "splitchat.db", "bolt store: database file")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/splitchat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql store: server dsn")

	flagKafkaBrokers    = flag.String("kafka-brokers", "", "comma separated kafka brokers, empty disables archiving")
	flagKafkaTopic      = flag.String("kafka-topic", "splitchat-messages", "kafka topic of archived messages")
	flagArchiveMaxBytes = flag.Int("archive-max-bytes", archive.DefaultMaxBytes, "max size of an archived record")

	flagJWTSecret = flag.String("jwt-secret", "", "HS256 secret of bearer tokens, empty accepts emails as tokens")

	flagHistoryLimit      = flag.Int("history-limit", relay.DefaultHistoryLimit, "number of newest messages returned as history")
	flagMaxTextBytes      = flag.Int("max-text-bytes", relay.DefaultMaxTextBytes, "max size of a message text")
	flagPushHistoryOnJoin = flag.Bool("push-history-on-join", true, "reply to join with chat_history")
	flagSessionQuota      = flag.Int("session-quota", 0, "max concurrent websocket sessions, 0 means no limit")

	flagDumpDir        = flag.String("dump-dir", os.TempDir(), "dir to save goroutine dumps")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	_ = godotenv.Load(".env")
	if err := applyEnv(flag.CommandLine, envPrefix); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	store, err := newStore()
	if err != nil {
		return errorf("store: %v", err)
	}
	defer store.Close()

	var archiver archive.Archiver
	if *flagKafkaBrokers != "" {
		writer := archive.NewKafkaWriter(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		archiver = archive.NewKafka(writer, *flagArchiveMaxBytes)
		defer archiver.Close()
	}

	conf := &relay.Config{
		HistoryLimit:      *flagHistoryLimit,
		MaxTextBytes:      *flagMaxTextBytes,
		PushHistoryOnJoin: *flagPushHistoryOnJoin,
		SessionQuota:      *flagSessionQuota,
	}
	authClient := newAuthClient()
	api := relay.NewApi(store, archiver, conf)
	hub := relay.NewHub(authClient, api, conf)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.Handle("/api/chats", relay.NewHistoryHandler(authClient, api))

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}
	httpServer := &http.Server{Handler: mux}

	serveErrC := make(chan error, 1)
	go func() {
		serveErrC <- httpServer.Serve(lis)
	}()

	glog.Infof("splitchat relay is listening on %s, store: %s, archive: %t", *flagAddr, *flagStore, archiver != nil)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `CTRL+c` or `kill %d` to graceful stop", pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-serveErrC:
			return errorf("serve error: %v", err)
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				dumpGoroutines(*flagDumpDir)
				continue
			}
			glog.Infof("received signal `%s` stopping", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := httpServer.Shutdown(ctx); err != nil {
				glog.Errorf("http server shutdown error: %v", err)
			}
			cancel()
			hub.Close()

			glog.Info("splitchat relay exited")
			return 0
		}
	}
}

func newStore() (chatstore.Store, error) {
	switch *flagStore {
	case "bolt":
		return chatstore.NewBoltStore(*flagBoltPath)
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		s := chatstore.NewMySQLStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.CreateTables(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %v", err)
		}
		return s, nil
	}
	return chatstore.NewMemoryStore(), nil
}

func newAuthClient() auth.Client {
	if *flagJWTSecret != "" {
		return &auth.JWTClient{Secret: []byte(*flagJWTSecret)}
	}
	glog.Warning("--jwt-secret is empty, any email is accepted as bearer token")
	return &auth.MockClient{}
}

// applyEnv sets flags from environment variables named prefix + the upper
// cased flag name with '-' replaced by '_'. Command line flags parsed later
// take precedence.
func applyEnv(fs *flag.FlagSet, prefix string) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil {
			return
		}
		key := prefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if e := fs.Set(f.Name, v); e != nil {
				err = fmt.Errorf("%s: %v", key, e)
			}
		}
	})
	return err
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	switch *flagStore {
	case "memory":
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required.")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	default:
		return errorf("invalid --store `%s`, expect memory, bolt or mysql", *flagStore)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required.")
	}
	if *flagArchiveMaxBytes <= 0 {
		return errorf("--archive-max-bytes is required positive integer")
	}

	if *flagHistoryLimit < 1 || *flagHistoryLimit > maxHistoryLimit {
		return errorf("invalid --history-limit, expect in range [1, %d]", maxHistoryLimit)
	}
	if *flagMaxTextBytes < 1 || *flagMaxTextBytes > maxTextLimit {
		return errorf("invalid --max-text-bytes, expect in range [1, %d]", maxTextLimit)
	}
	if *flagSessionQuota < 0 {
		return errorf("--session-quota MUST NOT be negative")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func dumpGoroutines(dir string) {
	dumpFile := filepath.Join(dir, fmt.Sprintf("splitchat-goroutines-%s.dump", time.Now().Format("20060102_150405")))
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", dumpFile)
	f, err := os.Create(dumpFile)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", dumpFile, err)
	}
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
