package types

type Config struct {
	Server ServerConfig `yaml:"server"`
	Node   NodeConfig   `yaml:"node"`
}

type ServerConfig struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
	Workers       int    `yaml:"workers"`
}

type NodeConfig struct {
	FQDN string `yaml:"fqdn"`

	// Relay is the fid of a configured relay, addressed on public
	// deliveries only. Empty disables relay delivery.
	Relay string `yaml:"relay"`

	// Live gates network sends. A non-live node computes recipients and
	// records activity but never delivers anything.
	Live bool `yaml:"live"`

	// LogPayloads writes an audit row for every processed payload.
	LogPayloads bool `yaml:"logPayloads"`

	// SystemKeyID and SystemKeyPEM sign outgoing fetches when set.
	SystemKeyID  string `yaml:"systemKeyID"`
	SystemKeyPEM string `yaml:"systemKeyPEM"`
}
