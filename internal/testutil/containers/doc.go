// Package containers starts throwaway backing services for integration
// tests: MySQL for the cache store, Mosquitto for the MQTT signal sink and
// ntfy for failure notifications.
//
// Tests using this package carry the "integration" build tag and usually
// share one container per package through TestMain:
//
//	var mysqlContainer *containers.MySQLContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    mysqlContainer, err = containers.NewMySQLContainer(context.Background(), nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    _ = mysqlContainer.Terminate(context.Background())
//	    os.Exit(code)
//	}
//
// Run them with:
//
//	go test -tags=integration ./...
package containers
