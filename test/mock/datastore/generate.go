package mock_datastore

//go:generate -command mockgen go run go.uber.org/mock/mockgen -package=$GOPACKAGE -destination=./mocks.go github.com/vulnsentinel/vulnsync/datastore
//go:generate mockgen Store,StatusRecorder,Locker
