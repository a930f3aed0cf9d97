package config

// Config is the root of the sqlbridge yaml configuration.
type Config struct {
	Version     string           `yaml:"version"`
	Connection  Connection       `yaml:"connection"`
	Log         Log              `yaml:"log"`
	AdminServer AdminServer      `yaml:"admin_server"`
	Observers   []ObserverConfig `yaml:"observers"`
}

// Connection describes one single-owner session to a MySQL-compatible server.
type Connection struct {
	Name          string    `yaml:"name"`
	DatabaseName  string    `yaml:"database_name"`
	StatementPath string    `yaml:"statement_path"`
	User          string    `yaml:"user"`
	Password      string    `yaml:"password"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	Socket        string    `yaml:"socket"`
	Flags         uint32    `yaml:"flags"`
	Async         bool      `yaml:"async"`
	DictStore     DictStore `yaml:"dict_store"`
}

// DictStore selects where the statement dictionary is fetched from.
// An empty type means the local file at statement_path.
type DictStore struct {
	Type string    `yaml:"type"`
	Etcd EtcdStore `yaml:"etcd"`
}

type EtcdStore struct {
	Addrs    []string `yaml:"addrs,omitempty"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	BasePath string   `yaml:"base_path"`
}

type Log struct {
	ConsoleLevel string  `yaml:"console_level"`
	FileLevel    string  `yaml:"file_level"`
	Format       string  `yaml:"format"`
	LogFile      LogFile `yaml:"log_file"`
}

type LogFile struct {
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxDays    int    `yaml:"max_days"`
	MaxBackups int    `yaml:"max_backups"`
}

type AdminServer struct {
	Addr            string `yaml:"addr"`
	EnableBasicAuth bool   `yaml:"enable_basic_auth"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
}

type ObserverConfig struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Params ObserverParams `yaml:"params"`
}

// ObserverParams carries the union of per-observer options. Capture, replay
// and debug observers consult only working_directory; the audit observer
// needs the audit database coordinates as well.
type ObserverParams struct {
	WorkingDirectory string `yaml:"working_directory"`
	Database         string `yaml:"database"`
	TableName        string `yaml:"table_name"`
	SQL              string `yaml:"sql"`
	InsertStatement  string `yaml:"insert_statement"`
}
