package migration

import (
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/BaSui01/taskflow/config"
)

// DSN 把应用的 database 配置转换为迁移连接串。
// 与 DatabaseConfig.DSN 不同，这里的 postgres 使用 URL 形式，mysql 开启 multiStatements，
// sqlite 打开外键约束。
func DSN(cfg config.DatabaseConfig) (Dialect, string, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return "", "", err
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch d {
	case Postgres:
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     addr,
			Path:     "/" + cfg.Name,
			RawQuery: url.Values{"sslmode": {ssl}}.Encode(),
		}
		return d, u.String(), nil
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.MultiStatements = true
		return d, mc.FormatDSN(), nil
	default:
		return d, "file:" + cfg.Name + "?_pragma=foreign_keys(1)", nil
	}
}
