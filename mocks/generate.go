package mocks

//go:generate mockgen -destination=mock_store.go -package=mocks github.com/mengeric/simjob-worker/simjob JobStore,ResultStore,Store
//go:generate mockgen -destination=mock_postgrest.go -package=mocks github.com/mengeric/simjob-worker/client PostgREST
//go:generate mockgen -destination=mock_simulator.go -package=mocks github.com/mengeric/simjob-worker/compute Simulator
