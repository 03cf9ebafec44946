// Package config loads the huncwot project configuration.
//
// Configuration lives in an optional huncwot.json at the project root. Every
// key has a default, so a bare Go module is a valid project. Environment
// variables prefixed with HUNCWOT_ override the file (dots become
// underscores: HUNCWOT_DEV_PORT, HUNCWOT_DATABASE_ENABLED), and explicitly
// set command line flags override both.
//
// # Configuration File Structure
//
//	{
//	  "dev": {
//	    "port": 5544,
//	    "host": "localhost",
//	    "watch": ["lib"],
//	    "debounce": "100ms"
//	  },
//	  "database": {
//	    "enabled": true,
//	    "path": ".huncwot/dev.db",
//	    "migrations": "db/migrations"
//	  },
//	  "style": {
//	    "tailwind": true,
//	    "input": "stylesheets/main.css",
//	    "output": "public/main.css"
//	  },
//	  "reload": {
//	    "debounce": "0s",
//	    "keepClientsOnRestart": true
//	  },
//	  "server": {
//	    "shutdownTimeout": "5s"
//	  }
//	}
//
// # Usage
//
//	cfg, err := config.Load(".", cmd.Flags())
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	fmt.Println(cfg.URL())
package config
