// Command zatdbctl is ZatDB's ambient CLI: create/inspect a database
// file, run a batch of transact operations from a JSON file, or serve
// a thin read-only gRPC facade over an already-open database.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"gopkg.in/yaml.v3"

	zatdb "github.com/zatdb/zatdb"
	"github.com/zatdb/zatdb/internal/codec"
	"github.com/zatdb/zatdb/internal/storage"
	"github.com/zatdb/zatdb/internal/txn"
)

var (
	flagGRPC       = flag.String("grpc", ":9090", "gRPC listen address for the serve subcommand")
	flagStatsEvery = flag.String("stats-every", "@every 1m", "cron schedule for periodic stats logging in serve mode")
	flagConfig     = flag.String("config", "", "optional YAML config file overriding page_size, etc.")
)

// fileConfig is the shape of the optional --config YAML document.
type fileConfig struct {
	PageSize int `yaml:"page_size"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, path := args[0], args[1]
	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("zatdbctl: %v", err)
	}

	switch cmd {
	case "create":
		runCreate(path, cfg)
	case "stats":
		runStats(path, cfg)
	case "transact":
		if len(args) < 3 {
			log.Fatalf("zatdbctl: transact requires <path> <ops.json>")
		}
		runTransact(path, args[2], cfg)
	case "serve":
		runServe(path, cfg)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: zatdbctl [flags] create <path>")
	fmt.Fprintln(os.Stderr, "       zatdbctl [flags] stats <path>")
	fmt.Fprintln(os.Stderr, "       zatdbctl [flags] transact <path> <ops.json>")
	fmt.Fprintln(os.Stderr, "       zatdbctl [-grpc=:9090] [-stats-every=...] serve <path>")
}

func openDB(path string, cfg fileConfig) *zatdb.Database {
	db, err := zatdb.Open(path, zatdb.Options{PageSize: cfg.PageSize})
	if err != nil {
		log.Fatalf("zatdbctl: open %s: %v", path, err)
	}
	return db
}

func runCreate(path string, cfg fileConfig) {
	db := openDB(path, cfg)
	defer db.Close()
	stats := db.Stats()
	fmt.Printf("created %s (tx_id=%d, next_entity=%d, %d attributes)\n", path, stats.TxID, stats.NextEntity, stats.AttrCount)
}

func runStats(path string, cfg fileConfig) {
	db := openDB(path, cfg)
	defer db.Close()
	printStats(path, db)
}

func printStats(path string, db *zatdb.Database) {
	stats := db.Stats()
	info, statErr := os.Stat(path)
	var size string
	if statErr == nil {
		size = humanize.Bytes(uint64(info.Size()))
	} else {
		size = "unknown"
	}
	fmt.Printf("path:          %s\n", path)
	fmt.Printf("file size:     %s\n", size)
	fmt.Printf("page size:     %s\n", humanize.Bytes(uint64(stats.PageSize)))
	fmt.Printf("tx_id:         %d\n", stats.TxID)
	fmt.Printf("next_entity:   %d\n", stats.NextEntity)
	fmt.Printf("datom_count:   %s\n", humanize.Comma(int64(stats.DatomCount)))
	fmt.Printf("attributes:    %d\n", stats.AttrCount)
	fmt.Printf("open readers:  %d\n", stats.OpenReaders)
}

// opRecord is the JSON shape one line of an ops.json batch takes.
// entity is either a decimal entity id, "tx" for the transaction's own
// entity, or "tempid:<name>" for a fresh entity to be allocated.
type opRecord struct {
	Op     string            `json:"op"`
	Entity string            `json:"entity"`
	Attr   string            `json:"attr"`
	Value  storage.ValueJSON `json:"value"`
}

func parseEntity(s string) (txn.EntityRef, error) {
	switch {
	case s == "tx":
		return txn.TxEntityRef(), nil
	case strings.HasPrefix(s, "tempid:"):
		return txn.Tempid(strings.TrimPrefix(s, "tempid:")), nil
	default:
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return txn.EntityRef{}, fmt.Errorf("invalid entity %q: %w", s, err)
		}
		return txn.Known(id), nil
	}
}

func parseValue(v storage.ValueJSON) (codec.Value, error) {
	switch v.Type {
	case "nil", "":
		return codec.Nil(), nil
	case "boolean":
		b, _ := v.Value.(bool)
		return codec.Bool(b), nil
	case "long":
		switch n := v.Value.(type) {
		case float64:
			return codec.Int(int64(n)), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			return codec.Int(i), err
		}
		return codec.Value{}, fmt.Errorf("long: unsupported json value %T", v.Value)
	case "double":
		f, _ := v.Value.(float64)
		return codec.Float(f), nil
	case "string":
		s, _ := v.Value.(string)
		return codec.String(s), nil
	case "keyword":
		s, _ := v.Value.(string)
		return codec.Keyword(s), nil
	case "ref":
		switch n := v.Value.(type) {
		case float64:
			return codec.Ref(uint64(n)), nil
		case string:
			id, err := strconv.ParseUint(n, 10, 64)
			return codec.Ref(id), err
		}
		return codec.Value{}, fmt.Errorf("ref: unsupported json value %T", v.Value)
	case "instant":
		s, _ := v.Value.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return codec.Value{}, fmt.Errorf("instant: %w", err)
		}
		return codec.Instant(t.UnixMicro()), nil
	case "uuid":
		s, _ := v.Value.(string)
		return storage.ParseUUIDValue(s)
	case "bytes":
		s, _ := v.Value.(string)
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return codec.Value{}, fmt.Errorf("bytes: %w", err)
		}
		return codec.Bytes(b), nil
	default:
		return codec.Value{}, fmt.Errorf("unknown value type %q", v.Type)
	}
}

func runTransact(path, opsPath string, cfg fileConfig) {
	buf, err := os.ReadFile(opsPath)
	if err != nil {
		log.Fatalf("zatdbctl: read %s: %v", opsPath, err)
	}
	var records []opRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		log.Fatalf("zatdbctl: parse %s: %v", opsPath, err)
	}

	ops := make([]txn.TxOp, len(records))
	for i, r := range records {
		e, err := parseEntity(r.Entity)
		if err != nil {
			log.Fatalf("zatdbctl: op %d: %v", i, err)
		}
		v, err := parseValue(r.Value)
		if err != nil {
			log.Fatalf("zatdbctl: op %d: %v", i, err)
		}
		op := txn.OpAssert
		if r.Op == "retract" {
			op = txn.OpRetract
		}
		ops[i] = txn.TxOp{Op: op, E: e, Attr: r.Attr, V: v}
	}

	db := openDB(path, cfg)
	defer db.Close()
	res, err := db.Transact(ops)
	if err != nil {
		log.Fatalf("zatdbctl: transact: %v", err)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

// ── serve: a thin read-only gRPC facade ──────────────────────────────

type statsResponse struct {
	TxID        uint64 `json:"tx_id"`
	NextEntity  uint64 `json:"next_entity"`
	DatomCount  uint64 `json:"datom_count"`
	PageSize    int    `json:"page_size"`
	OpenReaders int    `json:"open_readers"`
	AttrCount   int    `json:"attr_count"`
}

type rootsResponse struct {
	TxID uint64 `json:"tx_id"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error   { return json.Unmarshal(data, v) }

// ZatDBServer is the manual gRPC service the facade registers — no
// protobuf codegen, following the teacher's json-codec gRPC pattern.
type ZatDBServer interface {
	Stats(context.Context, *struct{}) (*statsResponse, error)
	CurrentRoots(context.Context, *struct{}) (*rootsResponse, error)
}

func registerZatDBServer(s *grpc.Server, srv ZatDBServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "zatdb.ZatDB",
		HandlerType: (*ZatDBServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: zatDBStatsHandler},
			{MethodName: "CurrentRoots", Handler: zatDBRootsHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "zatdb",
	}, srv)
}

func zatDBStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(struct{})
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ZatDBServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zatdb.ZatDB/Stats"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(ZatDBServer).Stats(ctx, req.(*struct{})) }
	return interceptor(ctx, in, info, handler)
}

func zatDBRootsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(struct{})
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ZatDBServer).CurrentRoots(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/zatdb.ZatDB/CurrentRoots"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ZatDBServer).CurrentRoots(ctx, req.(*struct{}))
	}
	return interceptor(ctx, in, info, handler)
}

type zatdbServer struct {
	db *zatdb.Database
}

func (s *zatdbServer) Stats(ctx context.Context, _ *struct{}) (*statsResponse, error) {
	st := s.db.Stats()
	return &statsResponse{
		TxID:        st.TxID,
		NextEntity:  st.NextEntity,
		DatomCount:  st.DatomCount,
		PageSize:    st.PageSize,
		OpenReaders: st.OpenReaders,
		AttrCount:   st.AttrCount,
	}, nil
}

func (s *zatdbServer) CurrentRoots(ctx context.Context, _ *struct{}) (*rootsResponse, error) {
	return &rootsResponse{TxID: s.db.TxID()}, nil
}

func runServe(path string, cfg fileConfig) {
	db := openDB(path, cfg)
	defer db.Close()

	encoding.RegisterCodec(jsonCodec{})
	srv := &zatdbServer{db: db}

	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("zatdbctl: listen %s: %v", *flagGRPC, err)
	}
	gs := grpc.NewServer()
	registerZatDBServer(gs, srv)

	c := cron.New()
	if _, err := c.AddFunc(*flagStatsEvery, func() {
		st := db.Stats()
		log.Printf("stats: tx_id=%d next_entity=%d datoms=%d readers=%d",
			st.TxID, st.NextEntity, st.DatomCount, st.OpenReaders)
	}); err != nil {
		log.Fatalf("zatdbctl: schedule stats: %v", err)
	}
	c.Start()
	defer c.Stop()

	log.Printf("zatdbctl: gRPC listening on %s (db=%s)", *flagGRPC, path)
	if err := gs.Serve(lis); err != nil {
		log.Fatalf("zatdbctl: serve: %v", err)
	}
}
