package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"proxyrot/rot/common/config"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/db"
	"proxyrot/rot/pool"
	"proxyrot/rot/server"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const Version = "0.1.0"

// 命令行收集到的覆盖项；非 nil/非空的才盖过配置文件
type overrides struct {
	addr     *string
	port     *int
	workers  *int
	timeout  *int
	userpass *string
	noAuth   bool
	retry    bool
	proxies  []string
	cfgPath  string
}

func Run() {
	args := os.Args[1:]

	// 维护子命令：重置管理员密码
	if len(args) >= 1 && (args[0] == "newpass" || args[0] == "np") {
		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: proxyrot newpass <PASS>")
			os.Exit(2)
		}
		must(resetAdmin(args[1]))
		cmd.Infof("admin password updated.")
		return
	}

	ov, err := parseArgs(args)
	if err != nil {
		die("%v\n%s -h for help", err, os.Args[0])
	}
	if ov == nil { // -h / -v 已处理
		return
	}

	cfg, _, err := config.Load(ov.cfgPath)
	must(err)
	apply(cfg, ov)

	pl := pool.New()
	files := append(append([]string{}, cfg.Proxies...), ov.proxies...)
	for _, f := range files {
		must(pl.LoadFile(f))
	}

	must(cfg.Validate(pl.Len() > 0))

	must(server.Run(cfg, pl, Version))
}

func parseArgs(args []string) (*overrides, error) {
	ov := &overrides{}
	i := 0
	next := func(opt string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("option %s requires a value", opt)
		}
		return args[i], nil
	}
	atoi := func(opt, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s %s is invalid", opt, v)
		}
		return n, nil
	}

	for ; i < len(args); i++ {
		opt := args[i]
		// --opt=value 形式拆开
		var inline string
		var hasInline bool
		if strings.HasPrefix(opt, "--") {
			if j := strings.IndexByte(opt, '='); j >= 0 {
				opt, inline, hasInline = opt[:j], opt[j+1:], true
			}
		}
		val := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			return next(opt)
		}

		switch opt {
		case "-h", "--help":
			usage()
			return nil, nil
		case "-v", "--version":
			fmt.Printf("%s %s\n", os.Args[0], Version)
			return nil, nil
		case "-n", "--no-auth":
			ov.noAuth = true
		case "-r", "--retry":
			ov.retry = true
		case "-a", "--addr":
			v, err := val()
			if err != nil {
				return nil, err
			}
			ov.addr = &v
		case "-p", "--port":
			v, err := val()
			if err != nil {
				return nil, err
			}
			n, err := atoi(opt, v)
			if err != nil || n > 65535 {
				return nil, fmt.Errorf("%s %s is invalid", opt, v)
			}
			ov.port = &n
		case "-w", "--workers":
			v, err := val()
			if err != nil {
				return nil, err
			}
			n, err := atoi(opt, v)
			if err != nil {
				return nil, err
			}
			ov.workers = &n
		case "-t", "--timeout":
			v, err := val()
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s %s is invalid", opt, v)
			}
			ov.timeout = &n
		case "-u", "--userpass":
			v, err := val()
			if err != nil {
				return nil, err
			}
			ov.userpass = &v
		case "-P", "--proxies":
			v, err := val()
			if err != nil {
				return nil, err
			}
			ov.proxies = append(ov.proxies, v)
		case "-c", "--config":
			v, err := val()
			if err != nil {
				return nil, err
			}
			ov.cfgPath = v
		default:
			return nil, fmt.Errorf("unknown option %s", args[i])
		}
	}
	return ov, nil
}

func apply(cfg *config.Config, ov *overrides) {
	if ov.addr != nil {
		cfg.Server.Addr = *ov.addr
	}
	if ov.port != nil {
		cfg.Server.Port = *ov.port
	}
	if ov.workers != nil {
		cfg.Server.Workers = *ov.workers
	}
	if ov.timeout != nil {
		cfg.Server.IOTimeoutSec = *ov.timeout
	}
	if ov.noAuth {
		cfg.Auth.NoAuth = true
	}
	if ov.retry {
		cfg.Server.Retry = true
	}
	if ov.userpass != nil {
		cfg.Auth.Userpass = *ov.userpass
		cfg.Auth.User, cfg.Auth.Pass, cfg.Auth.CheckPass = config.ParseUserpass(*ov.userpass)
	}
}

func resetAdmin(pass string) error {
	cfg, _, err := config.Load("")
	if err != nil {
		return err
	}
	d, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN, cfg.DB.Pool)
	if err != nil {
		return err
	}
	if err := db.Migrate(d); err != nil {
		return err
	}
	return db.ResetAdminPassword(d, pass)
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func die(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Printf(`usage: %s [OPTION...]
OPTION:
     -h,--help                      shows usage and exits
     -v,--version                   shows version and exits
     -P,--proxies FILE              add proxies from FILE
     -n,--no-auth                   allow NO AUTH
     -u,--userpass USER:PASS        add USER:PASS (omit :PASS to skip password check)
     -p,--port PORT                 listen on PORT (%d by default)
     -a,--addr ADDR                 bind on ADDR (%s by default)
     -w,--workers WORKERS           number of WORKERS (%d by default)
     -t,--timeout SECONDS           negotiation I/O timeout (%d by default)
     -r,--retry                     retry next proxy on upstream failure
     -c,--config FILE               yaml config file (./config/config.yaml by default)

%s newpass <PASS>                   reset admin password for the web api
`, os.Args[0], config.DefaultPort, config.DefaultAddr, config.DefaultWorkers, config.DefaultTimeout, os.Args[0])
}
