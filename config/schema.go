package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/tliron/commonlog"
)

// schema constrains a configuration after defaults are filled in. Field
// names follow the json tags.
const schema = `
#Addr: string & =~"^[^\\s]*:[0-9]+$"

#Config: {
	vm: {
		stackSize:     int & >0
		maxStackSize:  int & >=stackSize
		maxFrames:     int & >0
		checkInterval: int & >0
		shards:        int & >0 & <=256
	}
	server: {
		addr:            #Addr
		grpcAddr:        #Addr | ""
		workers:         int & >0
		maxProgramBytes: int & >0
		timeout:         string
	}
	cache: path: string
	log: {
		verbosity: int & >=-5 & <=2
		file:      string
	}
}
`

// Validate checks the configuration against the schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Server.TimeoutDuration(); err != nil {
		return fmt.Errorf("invalid configuration: server.timeout: %w", err)
	}
	return nil
}

// ConfigureLogging applies the log section.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.File != "" {
		path = &c.Log.File
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
